// Package tdbstats exports store statistics as Prometheus metrics.
package tdbstats

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

const namespace = "tdb"

// Source is the part of [tdb.DB] the collector reads.
type Source interface {
	Path() string
	Summary() (tdb.Summary, error)
}

// Collector gathers a [tdb.Summary] on every scrape. Each scrape walks the
// whole file under the shared all-records lock.
type Collector struct {
	src    Source
	logger *slog.Logger

	fileSize       *prometheus.Desc
	hashChains     *prometheus.Desc
	emptyChains    *prometheus.Desc
	generation     *prometheus.Desc
	records        *prometheus.Desc
	freeRecords    *prometheus.Desc
	journalRecords *prometheus.Desc
	bytes          *prometheus.Desc
	freeFraction   *prometheus.Desc
	maxChainLength *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

// NewCollector returns a collector for src. A nil logger discards scrape
// failures, which are still counted.
func NewCollector(src Source, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	labels := prometheus.Labels{"path": src.Path()}

	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		src:            src,
		logger:         logger,
		fileSize:       desc("file_size_bytes", "Size of the store file in bytes"),
		hashChains:     desc("hash_chains", "Number of hash chains"),
		emptyChains:    desc("empty_hash_chains", "Number of hash chains without records"),
		generation:     desc("generation", "Mutation counter from the file header"),
		records:        desc("records", "Number of stored records"),
		freeRecords:    desc("free_records", "Number of records on the free list"),
		journalRecords: desc("journal_records", "Number of journal records"),
		bytes:          desc("bytes", "Bytes by use", "kind"),
		freeFraction:   desc("free_ratio", "Share of the file held by free records"),
		maxChainLength: desc("max_chain_length", "Records in the longest hash chain"),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "scrape_errors_total",
			Help:        "Number of failed summary scans",
			ConstLabels: labels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fileSize
	ch <- c.hashChains
	ch <- c.emptyChains
	ch <- c.generation
	ch <- c.records
	ch <- c.freeRecords
	ch <- c.journalRecords
	ch <- c.bytes
	ch <- c.freeFraction
	ch <- c.maxChainLength
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.src.Summary()
	if err != nil {
		c.scrapeErrors.Inc()
		c.logger.Warn("tdb summary failed", "path", c.src.Path(), "err", err)
		c.scrapeErrors.Collect(ch)

		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.fileSize, float64(s.FileSize))
	gauge(c.hashChains, float64(s.HashSize))
	gauge(c.emptyChains, float64(s.EmptyChains))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.CounterValue, float64(s.Generation))
	gauge(c.records, float64(s.Keys.Count))
	gauge(c.freeRecords, float64(s.FreeRecords))
	gauge(c.journalRecords, float64(s.JournalRecords))
	gauge(c.bytes, float64(s.Keys.Total), "key")
	gauge(c.bytes, float64(s.Data.Total), "data")
	gauge(c.bytes, float64(s.FreeBytes), "free")
	gauge(c.bytes, float64(s.JournalBytes), "journal")
	gauge(c.bytes, float64(s.OverheadBytes), "overhead")
	gauge(c.freeFraction, s.FreeFraction())
	gauge(c.maxChainLength, float64(s.ChainLen.Max))
	c.scrapeErrors.Collect(ch)
}

// WriteText gathers src once and writes it to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer, src Source, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(src, logger))

	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	return nil
}
