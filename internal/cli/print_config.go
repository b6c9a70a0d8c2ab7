package cli

import (
	"context"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long: `Print the settings new and opened stores get after merging defaults,
config files and flags, followed by the files that contributed.`,
	}

	c.Exec = func(_ context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 0, 0); err != nil {
			return err
		}

		o.Printf("%s", renderConfig(a.cfg))

		return nil
	}

	return c
}

func renderConfig(cfg config.Config) string {
	var b strings.Builder

	b.WriteString("effective_cwd=" + cfg.EffectiveCwd + "\n")
	b.WriteString(config.Format(cfg) + "\n")
	b.WriteString("\n# sources\n")

	sources := []struct{ key, path string }{
		{"global_config", cfg.Sources.Global},
		{"project_config", cfg.Sources.Project},
	}

	n := 0

	for _, s := range sources {
		if s.path != "" {
			b.WriteString(s.key + "=" + s.path + "\n")
			n++
		}
	}

	if n == 0 {
		b.WriteString("(defaults only)\n")
	}

	return b.String()
}
