// Package cve defines the vulnerability record served and correlated by the engine.
package cve

import (
	"strings"
	"time"
)

// Record is a single CVE entry as published by NVD.
type Record struct {
	ID           string    `json:"id"` // e.g., "CVE-2021-44228"
	Description  string    `json:"description"`
	BaseScore    float64   `json:"base_score"`
	Severity     string    `json:"severity,omitempty"`
	Vector       string    `json:"vector,omitempty"`
	Published    time.Time `json:"published"`
	LastModified time.Time `json:"last_modified"`
}

// NormalizeID canonicalizes a CVE identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Mentions reports whether the description contains keyword, ignoring case.
func (r Record) Mentions(keyword string) bool {
	return strings.Contains(strings.ToLower(r.Description), strings.ToLower(keyword))
}

// SeverityFromScore maps a CVSS v3 base score to its qualitative rating.
func SeverityFromScore(score float64) string {
	switch {
	case score >= 9.0:
		return "CRITICAL"
	case score >= 7.0:
		return "HIGH"
	case score >= 4.0:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	default:
		return "NONE"
	}
}
