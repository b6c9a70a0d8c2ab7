package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/internal/config"
	"github.com/calvinalkan/tdb/pkg/fs"
)

var (
	errBadArgs        = errors.New("wrong arguments")
	errUnknownCommand = errors.New("unknown command")
	errNoStore        = errors.New("store file does not exist")
)

// Run is the main entry point. Returns exit code.
//
// args[0] is the program name. A value received on sigCh cancels the running
// command; long scans stop at the next record.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	globals := newGlobalFlags()

	if len(args) < 2 {
		printUsage(out, globals.set)

		return 0
	}

	if err := globals.set.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, globals.set)

			return 0
		}

		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals.set)

		return 1
	}

	rest := globals.set.Args()
	if len(rest) == 0 {
		printUsage(out, globals.set)

		return 0
	}

	fsys := fs.NewReal()

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    globals.workDir,
		ConfigPath: globals.configPath,
		Overrides:  globals.overrides(),
		Env:        env,
		FS:         fsys,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a := &app{
		cfg:    cfg,
		logger: cfg.Logger(errOut),
		hex:    globals.hex,
		env:    env,
		fs:     fsys,
	}

	name := rest[0]

	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			return cmd.Run(ctx, NewIO(in, out, errOut), rest[1:])
		}
	}

	fprintln(errOut, "error:", fmt.Errorf("%w: %s", errUnknownCommand, name))
	fprintln(errOut)
	printUsage(errOut, globals.set)

	return 1
}

type globalFlags struct {
	set *flag.FlagSet

	workDir    string
	configPath string
	hash       string
	hashSize   uint32
	writeback  string
	logLevel   string
	convert    bool
	hex        bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("tdbtool", flag.ContinueOnError)}

	// Stop at the command name; the rest belongs to the command.
	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})

	g.set.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.set.StringVar(&g.hash, "hash", "", "Hash function: xxhash or murmur3")
	g.set.Uint32Var(&g.hashSize, "hash-size", 0, "Hash chains for new files")
	g.set.StringVar(&g.writeback, "writeback", "", "Durability: none or sync")
	g.set.StringVar(&g.logLevel, "log-level", "", "Diagnostics: debug, info, warn or error")
	g.set.BoolVar(&g.convert, "convert", false, "Create new files in the non-native byte order")
	g.set.BoolVar(&g.hex, "hex", false, "Keys and values are hex-encoded")

	return g
}

// overrides returns the values of the global flags given on the command line.
func (g *globalFlags) overrides() config.Overrides {
	var o config.Overrides

	if g.set.Changed("hash") {
		o.Hash = &g.hash
	}

	if g.set.Changed("hash-size") {
		o.HashSize = &g.hashSize
	}

	if g.set.Changed("writeback") {
		o.Writeback = &g.writeback
	}

	if g.set.Changed("log-level") {
		o.LogLevel = &g.logLevel
	}

	if g.set.Changed("convert") {
		o.Convert = &g.convert
	}

	return o
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet) {
	fprintln(w, `tdbtool - inspect and maintain tdb store files

Usage: tdbtool [global flags] <command> [args]

Global flags:`)
	fprintln(w, strings.TrimRight(globals.FlagUsages(), "\n"))
	fprintln(w, "  -h, --help                Show help")
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range (&app{}).commands() {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	fprintln(w, "Run 'tdbtool <command> --help' for command flags.")
}
