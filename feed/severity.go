package feed

import (
	"strings"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

const (
	SeverityUnknown  = "-"
	SeverityNone     = "None"
	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"
)

var severityTable = []struct {
	words    []string
	severity string
}{
	{[]string{"unknown", "untriaged"}, SeverityUnknown},
	{[]string{"low", "negligible"}, SeverityLow},
	{[]string{"medium", "moderate"}, SeverityMedium},
	{[]string{"high", "important"}, SeverityHigh},
	{[]string{"critical"}, SeverityCritical},
	{[]string{"none"}, SeverityNone},
}

// UnifySeverity maps the severity names used by every vendor onto a single
// scale. A missing severity yields "-" silently; unrecognized values are
// reported to unknown and also yield "-".
func UnifySeverity(severity string, unknown *warn.Set) string {
	if strings.TrimSpace(severity) == "" {
		return SeverityUnknown
	}
	lower := strings.ToLower(severity)
	for _, row := range severityTable {
		for _, word := range row.words {
			if strings.Contains(lower, word) {
				return row.severity
			}
		}
	}
	unknown.Warn("Unknown severity", severity)
	return SeverityUnknown
}
