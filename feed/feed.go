// Package feed decodes the JSON vulnerability feeds (Red Hat security data,
// NVD, the CPE helper dictionary and Microsoft security updates) into rows
// ready to be written to the store.
package feed

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

// ErrNotNeeded is returned when the document carries the timestamp that is
// already stored, so there is nothing to import.
var ErrNotNeeded = errors.New("feed is already up to date")

// Info is the descriptive record of a CVE for one target.
type Info struct {
	CveID             string
	Target            string
	Title             string
	Severity          string
	Published         string
	Updated           string
	Reference         string
	Description       string
	Cvss              string
	Cvss3             string
	CvssVector        string
	Cvss3Vector       string
	Cwe               string
	Advisories        string
	BugzillaReference string
}

type Metadata struct {
	ProductName    string
	ProductVersion string
	SchemaVersion  string
	Timestamp      string
}

// Warnings collects data-quality problems found while decoding. Every kind
// reports at most warn.DefaultCapacity distinct values.
type Warnings struct {
	Records *warn.Set
	Tags    *warn.Set
	Actions *warn.Set
}

func NewWarnings(log *slog.Logger) *Warnings {
	return &Warnings{
		Records: warn.NewSet("record", log),
		Tags:    warn.NewSet("tag", log),
		Actions: warn.NewSet("action", log),
	}
}

func (w *Warnings) record(msg, value string) {
	if w != nil {
		w.Records.Warn(msg, value)
	}
}

func (w *Warnings) tag(msg, value string) {
	if w != nil {
		w.Tags.Warn(msg, value)
	}
}

func (w *Warnings) action(msg, value string) {
	if w != nil {
		w.Actions.Warn(msg, value)
	}
}

const dateLayout = "2006-01-02T15:04:05Z"

// normalizeDate rewrites the many date formats found in feeds to a single
// layout. Values that cannot be parsed are kept as they are.
func normalizeDate(s string) string {
	if s == "" {
		return s
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return s
	}
	return t.UTC().Format(dateLayout)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
