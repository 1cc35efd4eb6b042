package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

func quietWarnings() *Warnings {
	return NewWarnings(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestDecodeRedHatPackage(t *testing.T) {
	tests := []struct {
		raw     string
		name    string
		version string
		target  string
		minor   string
	}{
		{"openssl-1:1.0.2k-16.el7_6", "openssl", "1:1.0.2k-16.el7_6", "RHEL7", "6"},
		{"kernel-2.6.32-754.el6", "kernel", "2.6.32-754.el6", "RHEL6", ""},
		{"bind-libs-9.3.6-25.P1.el5_11", "bind-libs", "9.3.6-25.P1.el5_11", "RHEL5", "11"},
		{"foo-3.0.1", "foo", "3.0.1", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			pkg, ok := DecodeRedHatPackage(tt.raw)
			require.True(t, ok)
			assert.Equal(t, tt.name, pkg.Package)
			assert.Equal(t, tt.version, pkg.Version)
			assert.Equal(t, tt.target, pkg.Target)
			assert.Equal(t, tt.minor, pkg.TargetMinor)
		})
	}

	_, ok := DecodeRedHatPackage("noversion")
	require.False(t, ok)
}

func TestAdaptTitle(t *testing.T) {
	require := require.New(t)

	require.Equal("foo: overflow in bar", AdaptTitle("CVE-2019-1234 foo: overflow in bar\n", "CVE-2019-1234"))
	require.Equal("plain title", AdaptTitle("\nplain title  ", "CVE-2019-1234"))
	require.Equal("", AdaptTitle("", "CVE-2019-1234"))
}

const redHatPage = `[
  {
    "CVE": "CVE-2019-1000",
    "severity": "important",
    "public_date": "2019-01-02T00:00:00Z",
    "advisories": ["RHSA-2019:0001", "RHSA-2019:0002"],
    "bugzilla": "1650000",
    "bugzilla_description": "CVE-2019-1000 openssl: timing side channel",
    "cvss_score": null,
    "cvss3_score": 5.9,
    "cvss3_scoring_vector": "CVSS:3.0/AV:N/AC:H/PR:N/UI:N/S:U/C:H/I:N/A:N",
    "CWE": "CWE-203",
    "affected_packages": ["openssl-1:1.0.2k-16.el7_6", "foo-3.0.1"]
  },
  {
    "CVE": "CVE-2019-1001",
    "severity": "low",
    "affected_packages": ["bar-1.0-1.el7"]
  },
  {
    "CVE": "CVE-2019-1002",
    "severity": "low",
    "bugzilla_description": "no packages"
  }
]`

func TestParseRedHat(t *testing.T) {
	require := require.New(t)

	now := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	w := quietWarnings()
	result, err := ParseRedHat(strings.NewReader(redHatPage), now, w)
	require.NoError(err)

	require.Len(result.Infos, 1)
	info := result.Infos[0]
	require.Equal("CVE-2019-1000", info.CveID)
	require.Equal(RedHatTarget, info.Target)
	require.Equal("openssl: timing side channel", info.Description)
	require.Equal("", info.Cvss)
	require.Equal("5.9", info.Cvss3)
	require.Equal("RHSA-2019:0001,RHSA-2019:0002", info.Advisories)
	require.Equal("https://bugzilla.redhat.com/show_bug.cgi?id=1650000", info.BugzillaReference)
	require.Equal("https://access.redhat.com/security/cve/CVE-2019-1000", info.Reference)
	require.Equal("2019-01-02T00:00:00Z", info.Published)

	require.Len(result.Packages, 4)
	require.Equal(RedHatPackage{
		CveID:       "CVE-2019-1000",
		Target:      "RHEL7",
		TargetMinor: "6",
		Package:     "openssl",
		Version:     "1:1.0.2k-16.el7_6",
	}, result.Packages[0])
	for i, target := range RedHatTargets {
		require.Equal(target, result.Packages[i+1].Target)
		require.Equal("foo", result.Packages[i+1].Package)
	}

	require.Equal("2020-05-01 12:00:00", result.Metadata.Timestamp)
	require.Equal(1, w.Records.Len())
}

func TestParseRedHatRejectsInvalidDocument(t *testing.T) {
	_, err := ParseRedHat(strings.NewReader(`{"not": "a list"}`), time.Now(), nil)
	require.Error(t, err)
}

func TestRedHatAdvisoryURLs(t *testing.T) {
	urls := RedHatAdvisoryURLs("RHSA-2019:0001,RHSA-2019:0002")
	require.Equal(t, map[string]string{
		"RHSA-2019:0001": "https://access.redhat.com/errata/RHSA-2019:0001",
		"RHSA-2019:0002": "https://access.redhat.com/errata/RHSA-2019:0002",
	}, urls)
	require.Empty(t, RedHatAdvisoryURLs(""))
}

const nvdDoc = `{
  "resultsPerPage": 2,
  "format": "NVD_CVE",
  "version": "2.0",
  "timestamp": "2024-01-01T03:00:00.000",
  "vulnerabilities": [
    {
      "cve": {
        "id": "CVE-2019-0708",
        "published": "2019-05-16T19:29:00.000",
        "lastModified": "2020-06-03T15:29:00.000",
        "descriptions": [
          {"lang": "es", "value": "ejecucion remota"},
          {"lang": "en", "value": "A remote code execution vulnerability in Remote Desktop Services."}
        ],
        "metrics": {
          "cvssMetricV31": [
            {"source": "nvd@nist.gov", "type": "Primary", "cvssData": {"version": "3.1", "vectorString": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H", "baseScore": 9.8, "baseSeverity": "CRITICAL"}}
          ],
          "cvssMetricV2": [
            {"source": "nvd@nist.gov", "type": "Primary", "cvssData": {"version": "2.0", "vectorString": "AV:N/AC:L/Au:N/C:C/I:C/A:C", "baseScore": 10.0}, "baseSeverity": "HIGH"}
          ]
        },
        "weaknesses": [
          {"source": "nvd@nist.gov", "type": "Primary", "description": [{"lang": "en", "value": "CWE-416"}]}
        ],
        "configurations": [
          {
            "operator": "AND",
            "nodes": [
              {"operator": "OR", "cpeMatch": [
                {"vulnerable": true, "criteria": "cpe:2.3:o:microsoft:windows_7:-:sp1:*:*:*:*:*:*", "matchCriteriaId": "A"},
                {"vulnerable": true, "criteria": "cpe:2.3:a:microsoft:remote_desktop:*:*:*:*:*:*:*:*", "versionEndExcluding": "6.1", "matchCriteriaId": "B"}
              ]},
              {"operator": "OR", "negate": true, "cpeMatch": [
                {"vulnerable": false, "criteria": "cpe:2.3:h:intel:x86:-:*:*:*:*:*:*:*", "matchCriteriaId": "C"}
              ]}
            ]
          }
        ],
        "references": [
          {"url": "https://portal.msrc.microsoft.com/CVE-2019-0708", "source": "secure@microsoft.com"}
        ]
      }
    },
    {
      "cve": {
        "id": "CVE-2019-9999",
        "descriptions": [{"lang": "fr", "value": "rien"}]
      }
    }
  ]
}`

func TestParseNVD(t *testing.T) {
	require := require.New(t)

	w := quietWarnings()
	result, err := ParseNVD(strings.NewReader(nvdDoc), 2019, w)
	require.NoError(err)
	require.Equal(2019, result.Year)
	require.Equal(1, w.Records.Len())

	require.Len(result.Infos, 1)
	info := result.Infos[0]
	require.Equal("CVE-2019-0708", info.CveID)
	require.Equal(NVDTarget, info.Target)
	require.Equal("A remote code execution vulnerability in Remote Desktop Services.", info.Description)
	require.Equal("9.8", info.Cvss3)
	require.Equal("10.0", info.Cvss)
	require.Equal("CRITICAL", info.Severity)
	require.Equal("CWE-416", info.Cwe)
	require.Equal("https://portal.msrc.microsoft.com/CVE-2019-0708", info.Reference)
	require.Equal("2019-05-16T19:29:00Z", info.Published)

	require.Len(result.Matches, 3)
	first := result.Matches[0]
	require.Equal("AND", first.ConfigurationOperator)
	require.Equal("OR", first.NodeOperator)
	require.Equal("microsoft", first.CPE.Vendor)
	require.Equal("windows_7", first.CPE.Product)
	require.Nil(first.VersionEndExcluding)

	second := result.Matches[1]
	require.NotNil(second.VersionEndExcluding)
	require.Equal("6.1", *second.VersionEndExcluding)

	third := result.Matches[2]
	require.Equal(1, third.Node)
	require.True(third.NodeNegate)
	require.False(third.Vulnerable)
}

func TestCPEMatchUsesVersionRanges(t *testing.T) {
	require := require.New(t)

	doc := NVDCVEResponse{}
	require.NoError(json.Unmarshal([]byte(nvdDoc), &doc))

	matches := doc.Vulnerabilities[0].CVE.Configurations[0].Nodes[0].CPEMatch
	require.False(matches[0].UsesVersionRanges())
	require.True(matches[1].UsesVersionRanges())
}

func TestParseNVDMeta(t *testing.T) {
	require := require.New(t)

	meta := "lastModifiedDate:2024-01-01T03:00:01-05:00\r\nsize:1234\r\nzipSize:100\r\n"
	ts, err := ParseNVDMeta(strings.NewReader(meta))
	require.NoError(err)
	require.Equal("2024-01-01T03:00:01-05:00", ts)

	_, err = ParseNVDMeta(strings.NewReader("size:1\n"))
	require.Error(err)
}

const cpeHelperDoc = `=== Vulnerability detector CPE helper
{
  "version": "1",
  "format_version": "1.0",
  "update_date": "2020-01-20",
  "dictionary": [
    {
      "target": "windows",
      "source": {
        "vendor": ["^Microsoft"],
        "product": [["^Skype", "^skype"], "^Teams$"],
        "bogus": ["x"]
      },
      "translation": {
        "vendor": ["microsoft"],
        "product": ["skype", "x (bogus == y)"]
      },
      "action": ["replace_vendor", "replace_product_if_matches", "frobnicate"]
    },
    {
      "target": "windows",
      "source": {
        "vendor": [],
        "product": ["^7-Zip"]
      },
      "translation": {
        "product": ["7-zip"]
      },
      "action": ["replace_product"]
    }
  ]
}
`

func TestParseCPEHelper(t *testing.T) {
	require := require.New(t)

	w := quietWarnings()
	result, err := ParseCPEHelper(strings.NewReader(cpeHelperDoc), "", w)
	require.NoError(err)
	require.Equal("2020-01-20", result.UpdateDate)
	require.Equal("1.0", result.FormatVersion)
	require.Equal("1", result.Version)

	require.Len(result.Rules, 2)
	first := result.Rules[0]
	require.Equal("windows", first.Target)
	require.True(first.Action.Has(cpe.ReplaceVendor))
	require.True(first.Action.Has(cpe.ReplaceProductIfMatches))
	require.Equal([][]string{{"^Microsoft"}}, first.Source.Vendor)
	require.Equal([][]string{{"^Skype", "^skype"}, {"^Teams$"}}, first.Source.Product)
	require.Equal([][]string{{"skype"}}, first.Translation.Product)

	second := result.Rules[1]
	require.Equal([][]string{{""}}, second.Source.Vendor)

	require.Equal(1, w.Actions.Len())
	require.Equal(1, w.Tags.Len())
	require.Equal(1, w.Records.Len())

	_, err = cpe.NewDictionary(result.Rules, nil)
	require.NoError(err)
}

func TestParseCPEHelperNotNeeded(t *testing.T) {
	_, err := ParseCPEHelper(strings.NewReader(cpeHelperDoc), "2020-01-20", nil)
	require.True(t, errors.Is(err, ErrNotNeeded))
}

func TestParseCPEHelperFormatVersion(t *testing.T) {
	require := require.New(t)

	doc := strings.Replace(cpeHelperDoc, `"format_version": "1.0"`, `"format_version": "2.0"`, 1)
	_, err := ParseCPEHelper(strings.NewReader(doc), "", nil)
	require.Error(err)
	require.False(errors.Is(err, ErrNotNeeded))

	doc = strings.Replace(cpeHelperDoc, `"format_version": "1.0"`, `"format_version": "0.9"`, 1)
	_, err = ParseCPEHelper(strings.NewReader(doc), "", nil)
	require.Error(err)
}

func TestCPEHelperTimestamp(t *testing.T) {
	require := require.New(t)

	ts, ok := CPEHelperTimestamp([]byte(cpeHelperDoc))
	require.True(ok)
	require.Equal("2020-01-20", ts)

	_, ok = CPEHelperTimestamp([]byte(`{"dictionary": []}`))
	require.False(ok)
}

func TestParseMSU(t *testing.T) {
	require := require.New(t)

	doc := `{
	  "CVE-2019-0708": {
	    "b": {"patch": "KB4499175", "product": "Windows 7", "restart_required": "Yes", "subtype": "Security Only", "title": "Remote Desktop", "url": "https://support.microsoft.com/KB4499175"},
	    "a": {"patch": "KB4499164", "product": "Windows 7", "restart_required": "Yes", "subtype": "Monthly Rollup", "title": "Remote Desktop", "url": "https://support.microsoft.com/KB4499164"}
	  },
	  "CVE-2018-0001": [
	    {"patch": "KB1", "product": "Windows Server 2008 R2"}
	  ]
	}`

	entries, err := ParseMSU(strings.NewReader(doc))
	require.NoError(err)
	require.Len(entries, 3)
	require.Equal("CVE-2018-0001", entries[0].CveID)
	require.Equal("KB1", entries[0].Patch)
	require.Equal("CVE-2019-0708", entries[1].CveID)
	require.Equal("KB4499164", entries[1].Patch)
	require.Equal("Monthly Rollup", entries[1].Subtype)
	require.Equal("KB4499175", entries[2].Patch)

	_, err = ParseMSU(strings.NewReader(`{"CVE-1": 3}`))
	require.Error(err)
}

func TestDecodeVector(t *testing.T) {
	require := require.New(t)

	v2 := DecodeVector("AV:N/AC:L/Au:N/C:P/I:P/A:C")
	require.Equal(Vector{
		AttackVector:          "network",
		AccessComplexity:      "low",
		Authentication:        "none",
		ConfidentialityImpact: "partial",
		IntegrityImpact:       "partial",
		Availability:          "complete",
	}, v2)

	v3 := DecodeVector("CVSS:3.0/AV:A/AC:H/PR:L/UI:R/S:C/C:H/I:N/A:L")
	require.Equal(Vector{
		AttackVector:          "adjacent_network",
		AccessComplexity:      "high",
		PrivilegesRequired:    "low",
		UserInteraction:       "required",
		Scope:                 "changed",
		ConfidentialityImpact: "high",
		IntegrityImpact:       "none",
		Availability:          "low",
	}, v3)

	require.True(DecodeVector("").IsZero())
}

func TestUnifySeverity(t *testing.T) {
	unknown := warn.NewSet("severity", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	tests := map[string]string{
		"Untriaged":  SeverityUnknown,
		"unknown":    SeverityUnknown,
		"Negligible": SeverityLow,
		"low":        SeverityLow,
		"Moderate":   SeverityMedium,
		"MEDIUM":     SeverityMedium,
		"Important":  SeverityHigh,
		"high":       SeverityHigh,
		"Critical":   SeverityCritical,
		"None":       SeverityNone,
		"weird":      SeverityUnknown,
		"":           SeverityUnknown,
		"  ":         SeverityUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, UnifySeverity(in, unknown), in)
	}
	require.Equal(t, 1, unknown.Len())
}

func TestNormalizeDate(t *testing.T) {
	require := require.New(t)

	require.Equal("2019-01-02T00:00:00Z", normalizeDate("2019-01-02"))
	require.Equal("2019-05-16T19:29:00Z", normalizeDate("2019-05-16T19:29:00.000"))
	require.Equal("not a date", normalizeDate("not a date"))
	require.Equal("", normalizeDate(""))
}
