package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/ctiengine/internal/infra"
)

func newAnalyzeCmd(c *cli) *cobra.Command {
	var dataType string

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Correlate an infrastructure description against the knowledge base",
		Long: `Parse an infrastructure description and print the correlation report:
matching groups, ranked techniques, techniques per tactic, and CVEs per
software name.`,
		Example: `  ctictl analyze infra.yaml
  ctictl analyze --type terraform terraform.tfstate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := infra.ParseDataType(dataType)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			in, err := infra.Parse(dt, data)
			if err != nil {
				return err
			}

			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			report, err := stack.Engine.Analyze(cmd.Context(), *in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVarP(&dataType, "type", "t", string(infra.Custom), "Input type (custom|terraform)")
	return cmd
}
