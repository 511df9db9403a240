package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/filter"
	"github.com/lvonguyen/ctiengine/internal/mitre"
	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/tagset"
)

func newQueryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the knowledge base",
		Long: `Query techniques, groups, tactics, malware, and CVEs.

Tag filters use the expression grammar: ',' separates alternatives,
'+' or a space joins required terms, and '!' negates a term.
  --labels 'windows+!linux,aws'   (windows and not linux) or aws`,
	}

	cmd.AddCommand(newQueryTechniquesCmd(c))
	cmd.AddCommand(newQueryGroupsCmd(c))
	cmd.AddCommand(newQueryTacticsCmd(c))
	cmd.AddCommand(newQueryMalwareCmd(c))
	cmd.AddCommand(newQueryCVEsCmd(c))
	return cmd
}

// runQuery opens the store, runs find, and prints the result as JSON. A nil
// result prints as an empty list.
func runQuery[T any](c *cli, cmd *cobra.Command, find func(context.Context, store.EntityStore) ([]T, error)) error {
	stack, err := c.open(cmd.Context())
	if err != nil {
		return err
	}
	defer stack.Close()

	out, err := find(cmd.Context(), stack.Entities)
	if err != nil {
		return err
	}
	if out == nil {
		out = []T{}
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func splitList(s string) []string {
	return tagset.Values(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	}))
}

func newQueryTechniquesCmd(c *cli) *cobra.Command {
	var mid, desc, platforms, labels, tactics string

	cmd := &cobra.Command{
		Use:     "techniques",
		Aliases: []string{"techs"},
		Short:   "Find ATT&CK techniques",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.TechniqueQuery{
				MID:       mid,
				Desc:      desc,
				Platforms: splitList(platforms),
				Labels:    filter.Compile(labels),
				Tactics:   filter.Compile(tactics),
			}
			return runQuery(c, cmd, func(ctx context.Context, s store.EntityStore) ([]mitre.Technique, error) {
				return s.FindTechniques(ctx, q)
			})
		},
	}

	cmd.Flags().StringVar(&mid, "mid", "", "Technique ID substring")
	cmd.Flags().StringVar(&desc, "desc", "", "Description substring")
	cmd.Flags().StringVar(&platforms, "platforms", "", "Any of these platforms")
	cmd.Flags().StringVar(&labels, "labels", "", "Label filter expression")
	cmd.Flags().StringVar(&tactics, "tactics", "", "Tactic filter expression")
	return cmd
}

func newQueryGroupsCmd(c *cli) *cobra.Command {
	var mid, desc, techs, labels, sectors, countries string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Find threat groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.GroupQuery{
				MID:        mid,
				Desc:       desc,
				Techniques: filter.Compile(techs),
				Labels:     filter.Compile(labels),
				Sectors:    filter.Compile(sectors),
				Countries:  filter.Compile(countries),
			}
			return runQuery(c, cmd, func(ctx context.Context, s store.EntityStore) ([]mitre.Group, error) {
				return s.FindGroups(ctx, q)
			})
		},
	}

	cmd.Flags().StringVar(&mid, "mid", "", "Group ID substring")
	cmd.Flags().StringVar(&desc, "desc", "", "Description substring")
	cmd.Flags().StringVar(&techs, "techs", "", "Technique filter expression")
	cmd.Flags().StringVar(&labels, "labels", "", "Label filter expression")
	cmd.Flags().StringVar(&sectors, "sectors", "", "Sector filter expression")
	cmd.Flags().StringVar(&countries, "countries", "", "Country filter expression")
	return cmd
}

func newQueryTacticsCmd(c *cli) *cobra.Command {
	var mid, techs string

	cmd := &cobra.Command{
		Use:   "tactics",
		Short: "Find ATT&CK tactics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.TacticQuery{MID: mid, Techniques: filter.Compile(techs)}
			return runQuery(c, cmd, func(ctx context.Context, s store.EntityStore) ([]mitre.Tactic, error) {
				return s.FindTactics(ctx, q)
			})
		},
	}

	cmd.Flags().StringVar(&mid, "mid", "", "Tactic ID substring")
	cmd.Flags().StringVar(&techs, "techs", "", "Technique filter expression")
	return cmd
}

func newQueryMalwareCmd(c *cli) *cobra.Command {
	var mid, name, labels, platforms string

	cmd := &cobra.Command{
		Use:   "malware",
		Short: "Find malware and tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.MalwareQuery{
				MID:       mid,
				Name:      name,
				Labels:    filter.Compile(labels),
				Platforms: filter.Compile(platforms),
			}
			return runQuery(c, cmd, func(ctx context.Context, s store.EntityStore) ([]mitre.Malware, error) {
				return s.FindMalware(ctx, q)
			})
		},
	}

	cmd.Flags().StringVar(&mid, "mid", "", "Software ID substring")
	cmd.Flags().StringVar(&name, "name", "", "Name substring")
	cmd.Flags().StringVar(&labels, "labels", "", "Label filter expression")
	cmd.Flags().StringVar(&platforms, "platforms", "", "Platform filter expression")
	return cmd
}

func newQueryCVEsCmd(c *cli) *cobra.Command {
	var id, keywords, score string

	cmd := &cobra.Command{
		Use:   "cves",
		Short: "Find CVE records",
		Example: `  ctictl query cves --keywords wordpress
  ctictl query cves --base-score '>7'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := store.CVEQuery{ID: id, Keywords: keywords}
			if score != "" {
				n := filter.ParseNumeric(score)
				q.BaseScore = &n
			}
			return runQuery(c, cmd, func(ctx context.Context, s store.EntityStore) ([]cve.Record, error) {
				return s.FindCVEs(ctx, q)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "CVE ID substring")
	cmd.Flags().StringVar(&keywords, "keywords", "", "Description substring")
	cmd.Flags().StringVar(&score, "base-score", "", "Base score constraint (>N, <N, or N)")
	return cmd
}
