package scanner

import (
	"fmt"
	"strconv"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

const (
	StatePending = "Pending confirmation"
	StateUnfixed = "Unfixed"
	StateFixed   = "Fixed"
)

// Finding is a package of an agent affected by a CVE. Source is the target
// the description of the CVE is read from.
type Finding struct {
	AgentID   int
	AgentName string
	AgentIP   string

	Source         string
	CveID          string
	Package        string
	Version        string
	Arch           string
	GeneratedCPE   string
	Operation      string
	OperationValue *string
	Pending        bool
	Status         version.Status
	Condition      string
}

type findingKey struct {
	agent   int
	cve     string
	pkg     string
	version string
	arch    string
}

func (f Finding) key() findingKey {
	return findingKey{f.AgentID, f.CveID, f.Package, f.Version, f.Arch}
}

// State is the fix state shown in the alert.
func (f Finding) State() string {
	switch {
	case f.Pending:
		return StatePending
	case f.Status == version.NotFixed:
		return StateUnfixed
	case f.Status == version.Vulnerable:
		return StateFixed
	}
	return ""
}

// ConditionText describes why the package is affected. Pending findings
// have none.
func (f Finding) ConditionText() string {
	switch {
	case f.Pending:
		return ""
	case f.Condition != "":
		return f.Condition
	case f.OperationValue != nil:
		return fmt.Sprintf("Package %s %s", f.Operation, *f.OperationValue)
	}
	return f.Operation
}

// Reduce keeps one finding per agent, CVE and package. The finding with the
// lowest fixed version wins and a finding without a fix beats all others.
// Ties keep the first one.
func Reduce(findings []Finding) []Finding {
	index := map[findingKey]int{}
	reduced := make([]Finding, 0, len(findings))
	for _, f := range findings {
		k := f.key()
		i, ok := index[k]
		if !ok {
			index[k] = len(reduced)
			reduced = append(reduced, f)
			continue
		}
		if restricts(f, reduced[i]) {
			reduced[i] = f
		}
	}
	return reduced
}

func restricts(candidate, current Finding) bool {
	if current.OperationValue == nil {
		return false
	}
	if candidate.OperationValue == nil {
		return true
	}
	return version.CompareVersions(*candidate.OperationValue, *current.OperationValue) == version.Less
}

// Document is the JSON body of an alert.
type Document struct {
	Vulnerability Report `json:"vulnerability"`
}

type Report struct {
	CVE               string   `json:"cve"`
	Title             string   `json:"title"`
	Severity          string   `json:"severity"`
	Published         string   `json:"published"`
	Updated           string   `json:"updated,omitempty"`
	State             string   `json:"state,omitempty"`
	CVSS              *CVSS    `json:"cvss,omitempty"`
	Software          Software `json:"software"`
	Condition         string   `json:"condition,omitempty"`
	Advisories        string   `json:"advisories,omitempty"`
	CWEReference      string   `json:"cwe_reference,omitempty"`
	BugzillaReference string   `json:"bugzilla_reference,omitempty"`
	Reference         string   `json:"reference,omitempty"`
	Rationale         string   `json:"rationale,omitempty"`
}

type CVSS struct {
	CVSS2 *Score `json:"cvss2,omitempty"`
	CVSS3 *Score `json:"cvss3,omitempty"`
}

type Score struct {
	Vector    *feed.Vector `json:"vector,omitempty"`
	BaseScore *float64     `json:"base_score,omitempty"`
}

type Software struct {
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	GeneratedCPE string `json:"generated_cpe,omitempty"`
	Architecture string `json:"architecture,omitempty"`
}

// NewDocument builds the alert of a finding from the description of its CVE.
func NewDocument(f Finding, info detector.VulnerabilityInfo, severities *warn.Set) Document {
	r := Report{
		CVE:               f.CveID,
		Title:             info.Title,
		Severity:          feed.UnifySeverity(info.Severity, severities),
		Published:         info.Published,
		Updated:           info.Updated,
		State:             f.State(),
		CVSS:              newCVSS(info),
		Condition:         f.ConditionText(),
		Advisories:        info.Advisories,
		CWEReference:      info.Cwe,
		BugzillaReference: info.BugzillaReference,
		Software: Software{
			Name:         f.Package,
			Version:      f.Version,
			GeneratedCPE: f.GeneratedCPE,
			Architecture: f.Arch,
		},
	}
	if r.Title == "" {
		r.Title = info.Description
	}
	if info.Reference != "" {
		r.Reference = info.Reference
	} else {
		r.Rationale = info.Description
	}
	return Document{Vulnerability: r}
}

func newCVSS(info detector.VulnerabilityInfo) *CVSS {
	c := &CVSS{
		CVSS2: newScore(info.Cvss, info.CvssVector),
		CVSS3: newScore(info.Cvss3, info.Cvss3Vector),
	}
	if c.CVSS2 == nil && c.CVSS3 == nil {
		return nil
	}
	return c
}

func newScore(score, vector string) *Score {
	s := &Score{}
	if v := feed.DecodeVector(vector); !v.IsZero() {
		s.Vector = &v
	}
	if f, err := strconv.ParseFloat(score, 64); err == nil {
		s.BaseScore = &f
	}
	if s.Vector == nil && s.BaseScore == nil {
		return nil
	}
	return s
}
