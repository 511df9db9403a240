package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/app"
	"github.com/lvonguyen/ctiengine/internal/config"
	"github.com/lvonguyen/ctiengine/internal/ingest"
)

func newSeedCmd(c *cli) *cobra.Command {
	var download bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load source documents into the store",
		Long: `Replace the store contents with the configured ATT&CK bundle, threat
actor sheet, and NVD feeds. Keyword labels are generated during the load.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ingestCfg := c.cfg.Ingest

			if download {
				url := ingestCfg.STIXURL
				if url == "" {
					url = ingest.DefaultSTIXURL
				}
				n, err := ingest.NewDownloader(ingestCfg.DownloadTimeout, c.logger()).Download(ctx, url, ingestCfg.STIXFile)
				if err != nil {
					return err
				}
				c.logger().Info("Downloaded ATT&CK bundle", zap.String("path", ingestCfg.STIXFile), zap.Int64("bytes", n))
			}

			stack, err := app.New(ctx, c.cfg, c.tel)
			if err != nil {
				return err
			}
			defer stack.Close()

			sum, err := stack.Seed(ctx)
			if err != nil {
				return fmt.Errorf("seeding store: %w", err)
			}
			if c.cfg.Store.Driver == config.DriverMemory {
				fmt.Fprintln(cmd.ErrOrStderr(), "memory store seeded; contents are discarded on exit")
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}

	cmd.Flags().BoolVar(&download, "download", false, "Download the ATT&CK bundle before seeding")
	return cmd
}
