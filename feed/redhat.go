package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/moznion/go-optional"
)

const (
	RedHatTarget         = "REDHAT"
	RedHatProductName    = "Red Hat Security Data"
	RedHatProductVersion = "1.0"

	RedHatCVEURL      = "https://access.redhat.com/security/cve/%s"
	RedHatBugzillaURL = "https://bugzilla.redhat.com/show_bug.cgi?id=%s"
	RedHatErrataURL   = "https://access.redhat.com/errata/%s"

	// RedHatOperation is the comparison applied to every affected package:
	// the installed version must be lower than the fixed one.
	RedHatOperation = "less than"
)

// Release markers in package versions and the targets they select. The order
// is the lookup order.
var redHatReleases = []struct {
	marker string
	target string
}{
	{".el7", "RHEL7"},
	{".el6", "RHEL6"},
	{".el5", "RHEL5"},
}

// RedHatTargets lists the targets a package whose release is unknown is
// reported for.
var RedHatTargets = []string{"RHEL7", "RHEL6", "RHEL5"}

var redHatPackageVersion = regexp.MustCompile(`-\d+:|-\d+\.|-\d+\w+`)

// RedHatCVE is one entry of the security data API CVE list.
type RedHatCVE struct {
	CVE                 string                   `json:"CVE"`
	Severity            string                   `json:"severity"`
	PublicDate          string                   `json:"public_date"`
	Advisories          []string                 `json:"advisories"`
	Bugzilla            string                   `json:"bugzilla"`
	BugzillaDescription string                   `json:"bugzilla_description"`
	CvssScore           optional.Option[float64] `json:"cvss_score"`
	CvssScoringVector   string                   `json:"cvss_scoring_vector"`
	CWE                 string                   `json:"CWE"`
	AffectedPackages    []string                 `json:"affected_packages"`
	ResourceURL         string                   `json:"resource_url"`
	Cvss3Score          optional.Option[float64] `json:"cvss3_score"`
	Cvss3ScoringVector  string                   `json:"cvss3_scoring_vector"`
}

// RedHatPackage ties a CVE to the version of a package that fixes it.
type RedHatPackage struct {
	CveID       string
	Target      string
	TargetMinor string
	Package     string
	Version     string
}

type RedHatResult struct {
	Infos    []Info
	Packages []RedHatPackage
	Metadata Metadata
}

// Merge appends the rows of another page.
func (r *RedHatResult) Merge(other *RedHatResult) {
	r.Infos = append(r.Infos, other.Infos...)
	r.Packages = append(r.Packages, other.Packages...)
	r.Metadata = other.Metadata
}

// ParseRedHat decodes one page of the CVE list. Entries without an id or a
// bugzilla description are skipped and reported.
func ParseRedHat(r io.Reader, now time.Time, w *Warnings) (*RedHatResult, error) {
	var entries []RedHatCVE
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("could not decode red hat feed: %w", err)
	}

	result := &RedHatResult{
		Metadata: Metadata{
			ProductName:    RedHatProductName,
			ProductVersion: RedHatProductVersion,
			Timestamp:      now.Format("2006-01-02 15:04:05"),
		},
	}

	for i, entry := range entries {
		if entry.CVE == "" || entry.BugzillaDescription == "" {
			w.record("Red Hat entry without CVE or bugzilla description", strconv.Itoa(i))
			continue
		}
		if len(entry.AffectedPackages) == 0 {
			continue
		}

		info := Info{
			CveID:       entry.CVE,
			Target:      RedHatTarget,
			Severity:    entry.Severity,
			Published:   normalizeDate(entry.PublicDate),
			Reference:   fmt.Sprintf(RedHatCVEURL, entry.CVE),
			Description: AdaptTitle(entry.BugzillaDescription, entry.CVE),
			CvssVector:  entry.CvssScoringVector,
			Cvss3Vector: entry.Cvss3ScoringVector,
			Cwe:         entry.CWE,
			Advisories:  strings.Join(entry.Advisories, ","),
		}
		entry.CvssScore.IfSome(func(v float64) {
			info.Cvss = formatScore(v)
		})
		entry.Cvss3Score.IfSome(func(v float64) {
			info.Cvss3 = formatScore(v)
		})
		if entry.Bugzilla != "" {
			info.BugzillaReference = fmt.Sprintf(RedHatBugzillaURL, entry.Bugzilla)
		}
		result.Infos = append(result.Infos, info)

		for _, raw := range entry.AffectedPackages {
			pkg, ok := DecodeRedHatPackage(raw)
			if !ok {
				w.record("Could not extract package version", raw)
				continue
			}
			pkg.CveID = entry.CVE
			if pkg.Target != "" {
				result.Packages = append(result.Packages, pkg)
				continue
			}
			for _, target := range RedHatTargets {
				pkg.Target = target
				result.Packages = append(result.Packages, pkg)
			}
		}
	}

	return result, nil
}

// DecodeRedHatPackage splits an affected package string such as
// "openssl-1:1.0.2k-16.el7_6" into name, version and the RHEL release the
// version belongs to. Target is empty when no release marker is present.
func DecodeRedHatPackage(raw string) (RedHatPackage, bool) {
	loc := redHatPackageVersion.FindStringIndex(raw)
	if loc == nil {
		return RedHatPackage{}, false
	}
	pkg := RedHatPackage{
		Package: raw[:loc[0]],
		Version: raw[loc[0]+1:],
	}

	for _, release := range redHatReleases {
		idx := strings.Index(pkg.Version, release.marker)
		if idx < 0 {
			continue
		}
		pkg.Target = release.target
		pkg.TargetMinor = redHatMinor(pkg.Version[idx:])
		break
	}
	return pkg, true
}

// redHatMinor reads the minor release written after the first underscore,
// as in ".el7_6".
func redHatMinor(s string) string {
	idx := strings.IndexByte(s, '_')
	if idx < 0 || idx == len(s)-1 {
		return ""
	}
	s = s[idx+1:]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return "0"
	}
	return strconv.Itoa(n)
}

// AdaptTitle strips trailing blanks, one surrounding newline and a leading
// CVE identifier from a bugzilla description.
func AdaptTitle(title, cve string) string {
	title = strings.TrimRight(title, " ")
	title = strings.TrimSuffix(title, "\n")
	title = strings.TrimPrefix(title, "\n")
	if cve != "" && len(title) > 2 && strings.HasPrefix(title, cve) {
		title = title[len(cve):]
		if title != "" {
			title = title[1:]
		}
	}
	return title
}

// RedHatAdvisoryURLs maps each advisory of a comma separated list to its
// errata page.
func RedHatAdvisoryURLs(advisories string) map[string]string {
	urls := map[string]string{}
	for _, advisory := range strings.Split(advisories, ",") {
		if advisory == "" {
			continue
		}
		urls[advisory] = fmt.Sprintf(RedHatErrataURL, advisory)
	}
	return urls
}
