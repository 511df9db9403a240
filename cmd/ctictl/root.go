package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/app"
	"github.com/lvonguyen/ctiengine/internal/config"
	"github.com/lvonguyen/ctiengine/internal/observability"
)

// globalFlags holds persistent flags shared by every subcommand.
type globalFlags struct {
	ConfigFile string
	Store      string
	Verbose    bool
}

// cli carries state from the root command into subcommands.
type cli struct {
	flags globalFlags
	cfg   *config.Config
	tel   *observability.Telemetry
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ctictl",
		Short: "ctictl - ATT&CK and CVE correlation toolkit",
		Long: `ctictl manages the ctiengine knowledge base.

Seed the store from an ATT&CK STIX bundle, threat actor sheet, and NVD
feeds, query techniques, groups, and CVEs with filter expressions, and
correlate an infrastructure description against the knowledge base.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.load,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.tel == nil {
				return nil
			}
			return c.tel.Shutdown(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&c.flags.ConfigFile, "config", "configs/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&c.flags.Store, "store", "", "Override store driver (memory|sqlite)")
	root.PersistentFlags().BoolVarP(&c.flags.Verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newSeedCmd(c))
	root.AddCommand(newAnalyzeCmd(c))
	root.AddCommand(newQueryCmd(c))
	return root
}

// load reads the configuration and initializes logging before any
// subcommand runs.
func (c *cli) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.flags.ConfigFile)
	if err != nil {
		return err
	}
	if c.flags.Store != "" {
		cfg.Store.Driver = c.flags.Store
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if c.flags.Verbose {
		cfg.Logging.Level = "debug"
	}
	// The CLI never serves metrics or exports spans.
	cfg.Telemetry.TracingEnabled = false
	cfg.Telemetry.MetricsEnabled = false

	tel, err := observability.New(app.TelemetryConfig(cfg, Version))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	c.cfg = cfg
	c.tel = tel
	return nil
}

// open builds the runtime stack. An in-memory store starts empty, so it is
// seeded from the configured sources first.
func (c *cli) open(ctx context.Context) (*app.Stack, error) {
	stack, err := app.New(ctx, c.cfg, c.tel)
	if err != nil {
		return nil, err
	}
	if c.cfg.Store.Driver == config.DriverMemory {
		if _, err := stack.Seed(ctx); err != nil {
			_ = stack.Close()
			return nil, err
		}
	}
	return stack, nil
}

func (c *cli) logger() *zap.Logger {
	return c.tel.Logger()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
