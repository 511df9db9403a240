package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/ctiengine/internal/analysis"
	"github.com/lvonguyen/ctiengine/internal/cve"
	"github.com/lvonguyen/ctiengine/internal/ingest"
	"github.com/lvonguyen/ctiengine/internal/mitre"
)

const testdata = "../../internal/ingest/testdata"

func writeConfig(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `store:
  driver: ` + driver + `
  path: ` + filepath.Join(dir, "cti.db") + `
logging:
  level: error
ingest:
  stix_file: ` + testdata + `/bundle.json
  threat_actors_file: ` + testdata + `/threat_actors.csv
  nvd_files:
    - ` + testdata + `/nvd.json
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestSeedSQLite(t *testing.T) {
	cfg := writeConfig(t, "sqlite")

	out, err := execute(t, "--config", cfg, "seed")
	require.NoError(t, err)

	var sum ingest.Summary
	require.NoError(t, json.Unmarshal(out, &sum))
	assert.Equal(t, 2, sum.Groups)
	assert.Equal(t, 2, sum.Techniques)
	assert.Equal(t, 3, sum.CVEs)

	// a seeded sqlite store survives across invocations
	out, err = execute(t, "--config", cfg, "query", "groups", "--mid", "G0046")
	require.NoError(t, err)
	var groups []mitre.Group
	require.NoError(t, json.Unmarshal(out, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "FIN7", groups[0].Name)
}

func TestQueryCommands(t *testing.T) {
	cfg := writeConfig(t, "memory")

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"techniques by tactic", []string{"query", "techniques", "--tactics", "persistence"}, []string{"T1053.003"}},
		{"techniques by platform", []string{"query", "techs", "--platforms", "windows,macos"}, []string{"T1053.003", "T1059.001"}},
		{"groups by country", []string{"query", "groups", "--countries", "germany"}, []string{"G0016"}},
		{"groups by negated sector", []string{"query", "groups", "--sectors", "!retail"}, []string{"G0016"}},
		{"tactics", []string{"query", "tactics"}, []string{"TA0002", "TA0003"}},
		{"malware by mid", []string{"query", "malware", "--mid", "S0154"}, []string{"S0154"}},
		{"no match is empty", []string{"query", "groups", "--mid", "G9999"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"--config", cfg}, tt.args...)...)
			require.NoError(t, err)

			var got []struct {
				MID string `json:"mid"`
			}
			require.NoError(t, json.Unmarshal(out, &got))
			mids := make([]string, 0, len(got))
			for _, g := range got {
				mids = append(mids, g.MID)
			}
			assert.Equal(t, tt.want, mids)
		})
	}
}

func TestQueryCVEs(t *testing.T) {
	cfg := writeConfig(t, "memory")

	out, err := execute(t, "--config", cfg, "query", "cves", "--base-score", ">9")
	require.NoError(t, err)

	var records []cve.Record
	require.NoError(t, json.Unmarshal(out, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "CVE-2024-1001", records[0].ID)
	assert.Equal(t, "CRITICAL", records[0].Severity)
}

func TestAnalyze(t *testing.T) {
	cfg := writeConfig(t, "memory")
	input := filepath.Join(t.TempDir(), "infra.yaml")
	require.NoError(t, os.WriteFile(input, []byte("sectors: [Government]\nsoftware: [nginx]\n"), 0o644))

	out, err := execute(t, "--config", cfg, "analyze", input)
	require.NoError(t, err)

	var report analysis.Report
	require.NoError(t, json.Unmarshal(out, &report))
	require.Len(t, report.Groups.Sectors["government"], 1)
	assert.Equal(t, "G0016", report.Groups.Sectors["government"][0].MID)
	assert.Len(t, report.CVEs["nginx"], 1)
}

func TestAnalyzeErrors(t *testing.T) {
	cfg := writeConfig(t, "memory")
	input := filepath.Join(t.TempDir(), "infra.yaml")
	require.NoError(t, os.WriteFile(input, []byte("sectors: [Government]\n"), 0o644))

	_, err := execute(t, "--config", cfg, "analyze", "--type", "puppet", input)
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "analyze", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "analyze")
	assert.Error(t, err)
}
