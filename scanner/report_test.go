package scanner

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

func candidateFinding(op string, value *string) Finding {
	return Finding{
		AgentID:        1,
		CveID:          "CVE-2019-0001",
		Package:        "libfoo",
		Version:        "0.1",
		Arch:           "amd64",
		Operation:      op,
		OperationValue: value,
		Status:         version.Vulnerable,
	}
}

func TestReduceKeepsLowestFix(t *testing.T) {
	require := require.New(t)

	reduced := Reduce([]Finding{
		candidateFinding("less than", ptr("1.0")),
		candidateFinding("less than", ptr("2.0")),
		candidateFinding("less than", ptr("0.5")),
	})
	require.Len(reduced, 1)
	require.Equal("0.5", *reduced[0].OperationValue)
}

func TestReduceOrdersEpochAndRelease(t *testing.T) {
	cases := []struct {
		operands []string
		expected string
	}{
		{[]string{"1.0-5", "1.0-3"}, "1.0-3"},
		{[]string{"1.2.3-3", "1.2.3-5"}, "1.2.3-3"},
		{[]string{"1:2.0", "3.0"}, "3.0"},
		{[]string{"2.0", "1:1.0"}, "2.0"},
		{[]string{"1:1.0-2", "1:1.0-1", "2:0.1-1"}, "1:1.0-1"},
	}
	for _, c := range cases {
		findings := make([]Finding, 0, len(c.operands))
		for _, op := range c.operands {
			findings = append(findings, candidateFinding("less than", ptr(op)))
		}
		reduced := Reduce(findings)
		require.Len(t, reduced, 1)
		require.Equal(t, c.expected, *reduced[0].OperationValue, "%v", c.operands)
	}
}

func TestReduceUnfixedWins(t *testing.T) {
	require := require.New(t)

	unfixed := candidateFinding("less than", nil)
	unfixed.Status = version.NotFixed

	reduced := Reduce([]Finding{
		candidateFinding("less than", ptr("1.0")),
		unfixed,
		candidateFinding("less than", ptr("0.5")),
	})
	require.Len(reduced, 1)
	require.Nil(reduced[0].OperationValue)
	require.Equal(StateUnfixed, reduced[0].State())
}

func TestReduceTiesKeepFirst(t *testing.T) {
	first := candidateFinding("less than", ptr("1.0"))
	first.Source = "BIONIC"
	second := candidateFinding("less than", ptr("1.0"))
	second.Source = "XENIAL"

	reduced := Reduce([]Finding{first, second})
	require.Len(t, reduced, 1)
	require.Equal(t, "BIONIC", reduced[0].Source)
}

func TestReduceKeepsDistinctPackages(t *testing.T) {
	require := require.New(t)

	other := candidateFinding("less than", ptr("1.0"))
	other.Arch = "i386"
	otherAgent := candidateFinding("less than", ptr("1.0"))
	otherAgent.AgentID = 2

	reduced := Reduce([]Finding{candidateFinding("less than", ptr("1.0")), other, otherAgent})
	require.Len(reduced, 3)
}

func TestConditionText(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("Package less than 1.0", candidateFinding("less than", ptr("1.0")).ConditionText())
	assert.Equal("less than", candidateFinding("less than", nil).ConditionText())

	pending := candidateFinding("less than", ptr("1.0"))
	pending.Pending = true
	assert.Empty(pending.ConditionText())
	assert.Equal(StatePending, pending.State())

	failed := candidateFinding("less than", ptr("1.0"))
	failed.Status = version.CompareError
	failed.Condition = "Could not compare package versions (less than 1.0)."
	assert.Equal(failed.Condition, failed.ConditionText())
	assert.Empty(failed.State())
}

func TestCompareErrorCondition(t *testing.T) {
	require := require.New(t)

	fixed := strings.Repeat("1.", 40) + "2"
	installed := strings.Repeat("1.", 40) + "1"
	s, _, _ := newTestScanner(&fakeStore{}, &fakeInventory{})

	c := s.check(detector.Vulnerability{CveID: "CVE-1", Operation: "less than", OperationValue: &fixed},
		inventory.Package{Name: "libfoo", Version: installed})
	require.Equal(version.CompareError, c.status)
	require.True(c.affected())
	require.Equal("Could not compare package versions (less than "+fixed+").", c.finding("BIONIC").ConditionText())
}

func TestNewDocument(t *testing.T) {
	require := require.New(t)

	f := candidateFinding("less than", ptr("1.0"))
	f.GeneratedCPE = "a:vendor:libfoo:0.1:::::::"
	info := detector.VulnerabilityInfo{
		CveID:             "CVE-2019-0001",
		Severity:          "Moderate",
		Published:         "2019-01-01",
		Description:       "Overflow in libfoo",
		Cvss:              "5.0",
		CvssVector:        "AV:N/AC:L/Au:N/C:N/I:N/A:P",
		Cvss3:             "7.5",
		Cvss3Vector:       "CVSS:3.0/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:H",
		Cwe:               "CWE-119",
		Advisories:        "RHSA-2019:0001",
		BugzillaReference: "https://bugzilla.redhat.com/show_bug.cgi?id=1",
	}

	doc := NewDocument(f, info, warn.NewSet("severity", nil))
	r := doc.Vulnerability
	require.Equal("Overflow in libfoo", r.Title)
	require.Equal(feed.SeverityMedium, r.Severity)
	require.Equal("Overflow in libfoo", r.Rationale)
	require.Empty(r.Reference)
	require.Equal(StateFixed, r.State)
	require.Equal("Package less than 1.0", r.Condition)
	require.Equal("a:vendor:libfoo:0.1:::::::", r.Software.GeneratedCPE)

	require.NotNil(r.CVSS)
	require.Equal(5.0, *r.CVSS.CVSS2.BaseScore)
	require.Equal("network", r.CVSS.CVSS2.Vector.AttackVector)
	require.Equal(7.5, *r.CVSS.CVSS3.BaseScore)
	require.Equal("high", r.CVSS.CVSS3.Vector.Availability)

	info.Title = "libfoo overflow"
	info.Reference = "https://example.org/CVE-2019-0001"
	info.Cvss, info.CvssVector, info.Cvss3, info.Cvss3Vector = "", "", "", ""
	r = NewDocument(f, info, nil).Vulnerability
	require.Equal("libfoo overflow", r.Title)
	require.Equal("https://example.org/CVE-2019-0001", r.Reference)
	require.Empty(r.Rationale)
	require.Nil(r.CVSS)
}

func TestDocumentJSON(t *testing.T) {
	require := require.New(t)

	f := candidateFinding("less than", nil)
	f.Pending = true
	data, err := json.Marshal(NewDocument(f, detector.VulnerabilityInfo{
		CveID:       "CVE-2019-0001",
		Title:       "Title",
		Severity:    "low",
		Published:   "2019-01-01",
		Description: "Rationale",
	}, nil))
	require.NoError(err)
	require.JSONEq(`{"vulnerability": {
		"cve": "CVE-2019-0001",
		"title": "Title",
		"severity": "Low",
		"published": "2019-01-01",
		"state": "Pending confirmation",
		"software": {"name": "libfoo", "version": "0.1", "architecture": "amd64"},
		"rationale": "Rationale"
	}}`, string(data))
}

func TestNVDConfigurations(t *testing.T) {
	require := require.New(t)

	app := cpe.CPE{Part: "a", Vendor: "acme", Product: "tool", Version: "2.1"}
	lib := cpe.CPE{Part: "a", Vendor: "acme", Product: "lib", Version: "1.0"}
	products := []product{{Name: "tool", Version: "2.1", CPE: app}, {Name: "lib", Version: "1.0", CPE: lib}}

	row := func(id, node int, op string, negate bool, c cpe.CPE, vulnerable bool) detector.NVDMatch {
		return detector.NVDMatch{
			ID: id, CveID: "CVE-1", Configuration: 0, ConfigurationOperator: "AND",
			Node: node, NodeOperator: op, NodeNegate: negate, Vulnerable: vulnerable,
			Part: c.Part, Vendor: c.Vendor, Product: c.Product, Version: c.Version,
		}
	}
	absent := cpe.CPE{Part: "a", Vendor: "acme", Product: "other"}

	hits := matchNVD([]detector.NVDMatch{
		row(1, 0, "OR", false, cpe.CPE{Part: "a", Vendor: "acme", Product: "tool"}, true),
		row(2, 1, "OR", true, absent, false),
	}, products)
	require.Len(hits, 1)
	require.Equal("tool", hits[0].product.Name)
	require.Equal(version.NotFixed, hits[0].finding().Status)

	hits = matchNVD([]detector.NVDMatch{
		row(1, 0, "AND", false, cpe.CPE{Part: "a", Vendor: "acme", Product: "tool"}, true),
		row(2, 0, "AND", false, absent, false),
	}, products)
	require.Empty(hits)

	exact := row(1, 0, "OR", false, lib, true)
	hits = matchNVD([]detector.NVDMatch{exact}, products)
	require.Len(hits, 1)
	f := hits[0].finding()
	require.Equal(version.OpEqual, f.Operation)
	require.Equal("1.0", *f.OperationValue)

	exact.Version = "1.1"
	require.Empty(matchNVD([]detector.NVDMatch{exact}, products))
}

func TestVersionRanges(t *testing.T) {
	assert := assert.New(t)

	m := detector.NVDMatch{VersionStartIncluding: ptr("2.0"), VersionEndExcluding: ptr("2.4")}
	assert.True(inRange("2.0", m))
	assert.True(inRange("2.3.9", m))
	assert.False(inRange("2.4", m))
	assert.False(inRange("1.9", m))
	assert.False(inRange("", m))

	m = detector.NVDMatch{VersionStartExcluding: ptr("2.0"), VersionEndIncluding: ptr("2.4")}
	assert.False(inRange("2.0", m))
	assert.True(inRange("2.4", m))

	assert.True(inRange("", detector.NVDMatch{}))

	m = detector.NVDMatch{VersionEndExcluding: ptr("2.4.1-2")}
	assert.True(inRange("2.4.1-1", m))
	assert.False(inRange("2.4.1-2", m))
	assert.False(inRange("2.4.1-3", m))
	assert.True(inRange("1:2.4.1-1", detector.NVDMatch{VersionStartIncluding: ptr("3.0")}))
}

func TestAppliesTo(t *testing.T) {
	assert := assert.New(t)

	assert.True(appliesTo("Windows Server 2008 for x64-based Systems Service Pack 2", "Windows Server 2008"))
	assert.False(appliesTo("Windows Server 2008 R2 for x64-based Systems Service Pack 1", "Windows Server 2008"))
	assert.True(appliesTo("Windows Server 2008 R2 for x64-based Systems Service Pack 1", "Windows Server 2008 R2"))
	assert.False(appliesTo("Windows 10 Version 1809 for x64-based Systems", "Windows Server 2008"))
	assert.Equal("4499175", normalizeKB(" kb4499175"))
}
