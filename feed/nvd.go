package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/moznion/go-optional"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
)

const (
	NVDTarget = "NVD"

	NVDFeedURL = "https://nvd.nist.gov/feeds/json/cve/2.0/nvdcve-2.0-%d.json.gz"
	NVDMetaURL = "https://nvd.nist.gov/feeds/json/cve/2.0/nvdcve-2.0-%d.meta"
)

// NVDCVEResponse is the yearly NVD 2.0 feed document.
type NVDCVEResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Format          string             `json:"format"`
	Version         string             `json:"version"`
	Timestamp       string             `json:"timestamp"`
	Vulnerabilities []NVDVulnerability `json:"vulnerabilities"`
}

type NVDVulnerability struct {
	CVE CVE `json:"cve"`
}

type CVE struct {
	ID               string          `json:"id"`
	SourceIdentifier string          `json:"sourceIdentifier"`
	Published        string          `json:"published"`
	LastModified     string          `json:"lastModified"`
	VulnStatus       string          `json:"vulnStatus"`
	Descriptions     Descriptions    `json:"descriptions"`
	Metrics          Metric          `json:"metrics"`
	Configurations   []Configuration `json:"configurations"`
	Weaknesses       []Weakness      `json:"weaknesses"`
	References       []Reference     `json:"references"`
}

type Descriptions []Description

func (d Descriptions) SelectLang(lang string) optional.Option[Description] {
	return OptionalFind(d, func(description Description) bool {
		return description.Lang == lang
	})
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type CvssMetrics []CvssMetric

func (c CvssMetrics) SelectByType(typ string) optional.Option[CvssMetric] {
	return OptionalFind(c, func(metric CvssMetric) bool {
		return metric.Type == typ
	})
}

type Metric struct {
	CvssMetricV31 CvssMetrics `json:"cvssMetricV31"`
	CvssMetricV30 CvssMetrics `json:"cvssMetricV30"`
	CvssMetricV2  CvssMetrics `json:"cvssMetricV2"`
}

type CvssMetric struct {
	Source       string   `json:"source"`
	Type         string   `json:"type"`
	CvssData     CvssData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity"`
}

type CvssData struct {
	Version      string      `json:"version"`
	VectorString string      `json:"vectorString"`
	BaseScore    json.Number `json:"baseScore"`
	BaseSeverity string      `json:"baseSeverity"`
}

func (m CvssMetric) Severity() string {
	if m.CvssData.BaseSeverity != "" {
		return m.CvssData.BaseSeverity
	}
	return m.BaseSeverity
}

type Configuration struct {
	Operator string `json:"operator"`
	Negate   bool   `json:"negate"`
	Nodes    []Node `json:"nodes"`
}

type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate"`
	CPEMatch []CPEMatch `json:"cpeMatch"`
}

type CPEMatch struct {
	Vulnerable            bool                    `json:"vulnerable"`
	Criteria              cpe.CPE                 `json:"criteria"`
	VersionStartExcluding optional.Option[string] `json:"versionStartExcluding"`
	VersionStartIncluding optional.Option[string] `json:"versionStartIncluding"`
	VersionEndExcluding   optional.Option[string] `json:"versionEndExcluding"`
	VersionEndIncluding   optional.Option[string] `json:"versionEndIncluding"`
	MatchCriteriaID       string                  `json:"matchCriteriaId"`
}

func (c CPEMatch) UsesVersionRanges() bool {
	return c.VersionStartExcluding.IsSome() ||
		c.VersionStartIncluding.IsSome() ||
		c.VersionEndExcluding.IsSome() ||
		c.VersionEndIncluding.IsSome()
}

type Weakness struct {
	Source       string       `json:"source"`
	Type         string       `json:"type"`
	Descriptions Descriptions `json:"description"`
}

type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

// NVDMatch is one cpeMatch entry flattened with the position of its node
// and configuration, so the configuration tree can be rebuilt from rows.
type NVDMatch struct {
	CveID                 string
	Configuration         int
	ConfigurationOperator string
	ConfigurationNegate   bool
	Node                  int
	NodeOperator          string
	NodeNegate            bool
	Vulnerable            bool
	CPE                   cpe.CPE
	VersionStartIncluding *string
	VersionStartExcluding *string
	VersionEndIncluding   *string
	VersionEndExcluding   *string
}

type NVDResult struct {
	Year      int
	Timestamp string
	Infos     []Info
	Matches   []NVDMatch
}

// ParseNVD decodes the feed of one year. CVEs without an English
// description are skipped.
func ParseNVD(r io.Reader, year int, w *Warnings) (*NVDResult, error) {
	doc := NVDCVEResponse{}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not decode nvd feed for %d: %w", year, err)
	}

	result := &NVDResult{Year: year, Timestamp: doc.Timestamp}
	for _, item := range doc.Vulnerabilities {
		info, ok := nvdInfo(item.CVE)
		if !ok {
			w.record("NVD entry without english description", item.CVE.ID)
			continue
		}
		result.Infos = append(result.Infos, info)
		result.Matches = append(result.Matches, nvdMatches(item.CVE)...)
	}
	return result, nil
}

func nvdInfo(cve CVE) (Info, bool) {
	description := cve.Descriptions.SelectLang("en")
	if cve.ID == "" || description.IsNone() {
		return Info{}, false
	}

	info := Info{
		CveID:     cve.ID,
		Target:    NVDTarget,
		Published: normalizeDate(cve.Published),
		Updated:   normalizeDate(cve.LastModified),
		Severity:  "Unknown",
	}
	description.IfSome(func(d Description) {
		info.Description = d.Value
		info.Title = d.Value
	})
	OptionalFirst(cve.References).IfSome(func(ref Reference) {
		info.Reference = ref.URL
	})
	OptionalFirst(cve.Weaknesses).IfSome(func(weakness Weakness) {
		weakness.Descriptions.SelectLang("en").IfSome(func(d Description) {
			info.Cwe = d.Value
		})
	})

	v3 := cve.Metrics.CvssMetricV31.SelectByType("Primary")
	if v3.IsNone() {
		v3 = cve.Metrics.CvssMetricV30.SelectByType("Primary")
	}
	v3.IfSome(func(m CvssMetric) {
		info.Cvss3 = m.CvssData.BaseScore.String()
		info.Cvss3Vector = m.CvssData.VectorString
		info.Severity = m.Severity()
	})
	cve.Metrics.CvssMetricV2.SelectByType("Primary").IfSome(func(m CvssMetric) {
		info.Cvss = m.CvssData.BaseScore.String()
		info.CvssVector = m.CvssData.VectorString
		if v3.IsNone() {
			info.Severity = m.Severity()
		}
	})
	return info, true
}

func nvdMatches(cve CVE) []NVDMatch {
	var matches []NVDMatch
	for i, configuration := range cve.Configurations {
		for j, node := range configuration.Nodes {
			for _, match := range node.CPEMatch {
				matches = append(matches, NVDMatch{
					CveID:                 cve.ID,
					Configuration:         i,
					ConfigurationOperator: strings.ToUpper(configuration.Operator),
					ConfigurationNegate:   configuration.Negate,
					Node:                  j,
					NodeOperator:          strings.ToUpper(node.Operator),
					NodeNegate:            node.Negate,
					Vulnerable:            match.Vulnerable,
					CPE:                   match.Criteria,
					VersionStartIncluding: match.VersionStartIncluding.UnwrapAsPtr(),
					VersionStartExcluding: match.VersionStartExcluding.UnwrapAsPtr(),
					VersionEndIncluding:   match.VersionEndIncluding.UnwrapAsPtr(),
					VersionEndExcluding:   match.VersionEndExcluding.UnwrapAsPtr(),
				})
			}
		}
	}
	return matches
}

// ParseNVDMeta reads the lastModifiedDate of a yearly .meta file.
func ParseNVDMeta(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("could not read nvd meta: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && key == "lastModifiedDate" {
			return value, nil
		}
	}
	return "", fmt.Errorf("nvd meta without lastModifiedDate")
}
