package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lvonguyen/ctiengine/internal/cve"
)

// nvdResponse is the NVD CVE API 2.0 envelope. Feed dumps share the shape.
type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		CVSSv31 []nvdMetric `json:"cvssMetricV31"`
		CVSSv30 []nvdMetric `json:"cvssMetricV30"`
		CVSSv40 []nvdMetric `json:"cvssMetricV40"`
	} `json:"metrics"`
}

type nvdMetric struct {
	Source   string `json:"source"`
	Type     string `json:"type"`
	CVSSData struct {
		Version      string  `json:"version"`
		VectorString string  `json:"vectorString"`
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

// NVD timestamps omit the zone and are UTC.
var nvdTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// LoadNVD decodes an NVD API 2.0 response into CVE records. The English
// description is preferred, and the first CVSS metric is taken from v3.1,
// then v3.0, then v4.0.
func LoadNVD(r io.Reader) ([]cve.Record, error) {
	var resp nvdResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode NVD response: %w", err)
	}

	records := make([]cve.Record, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		c := v.CVE
		if c.ID == "" {
			continue
		}
		rec := cve.Record{
			ID:           cve.NormalizeID(c.ID),
			Description:  englishDescription(c),
			Published:    parseNVDTime(c.Published),
			LastModified: parseNVDTime(c.LastModified),
		}
		if m := firstMetric(c); m != nil {
			rec.BaseScore = m.CVSSData.BaseScore
			rec.Severity = m.CVSSData.BaseSeverity
			rec.Vector = m.CVSSData.VectorString
		}
		if rec.Severity == "" && rec.BaseScore > 0 {
			rec.Severity = cve.SeverityFromScore(rec.BaseScore)
		}
		records = append(records, rec)
	}
	return records, nil
}

func englishDescription(c nvdCVE) string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

func firstMetric(c nvdCVE) *nvdMetric {
	for _, metrics := range [][]nvdMetric{c.Metrics.CVSSv31, c.Metrics.CVSSv30, c.Metrics.CVSSv40} {
		if len(metrics) > 0 {
			return &metrics[0]
		}
	}
	return nil
}

func parseNVDTime(s string) time.Time {
	for _, layout := range nvdTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
