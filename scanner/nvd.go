package scanner

import (
	"strings"

	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
)

// product is a piece of software of an agent identified by its CPE.
type product struct {
	Name    string
	Version string
	Arch    string
	CPE     cpe.CPE
}

// hit is a vulnerable criterion of a satisfied configuration.
type hit struct {
	match   detector.NVDMatch
	product product
}

func (h hit) finding() Finding {
	f := Finding{
		Source:       feed.NVDTarget,
		CveID:        h.match.CveID,
		Package:      h.product.Name,
		Version:      h.product.Version,
		Arch:         h.product.Arch,
		GeneratedCPE: h.product.CPE.String(),
		Status:       version.NotFixed,
	}
	m := h.match
	switch {
	case m.VersionEndExcluding != nil:
		f.Operation, f.OperationValue = version.OpLessThan, m.VersionEndExcluding
		f.Status = version.Vulnerable
	case m.VersionEndIncluding != nil:
		f.Operation, f.OperationValue = version.OpLessOrEqual, m.VersionEndIncluding
	case specific(m.Version):
		v := m.Version
		f.Operation, f.OperationValue = version.OpEqual, &v
	}
	return f
}

func specific(v string) bool {
	return v != "" && v != "-" && v != "*"
}

type nvdNode struct {
	operator string
	negate   bool
	matches  []detector.NVDMatch
}

type nvdConfiguration struct {
	operator string
	negate   bool
	nodes    []*nvdNode
}

// matchNVD evaluates the configurations of every candidate CVE against the
// products. Criteria are grouped into nodes and nodes into configurations in
// the order they are stored.
func matchNVD(matches []detector.NVDMatch, products []product) []hit {
	var hits []hit
	for _, cve := range lo.Uniq(lo.Map(matches, func(m detector.NVDMatch, _ int) string { return m.CveID })) {
		for _, config := range configurations(lo.Filter(matches, func(m detector.NVDMatch, _ int) bool { return m.CveID == cve })) {
			hits = append(hits, config.evaluate(products)...)
		}
	}
	return hits
}

func configurations(matches []detector.NVDMatch) []*nvdConfiguration {
	var configs []*nvdConfiguration
	byID := map[int]*nvdConfiguration{}
	nodes := map[[2]int]*nvdNode{}
	for _, m := range matches {
		config, ok := byID[m.Configuration]
		if !ok {
			config = &nvdConfiguration{operator: m.ConfigurationOperator, negate: m.ConfigurationNegate}
			byID[m.Configuration] = config
			configs = append(configs, config)
		}
		k := [2]int{m.Configuration, m.Node}
		node, ok := nodes[k]
		if !ok {
			node = &nvdNode{operator: m.NodeOperator, negate: m.NodeNegate}
			nodes[k] = node
			config.nodes = append(config.nodes, node)
		}
		node.matches = append(node.matches, m)
	}
	return configs
}

// evaluate returns the hits of the configuration, or nothing when it is not
// satisfied. Negated nodes never produce hits.
func (c *nvdConfiguration) evaluate(products []product) []hit {
	var hits []hit
	values := make([]bool, 0, len(c.nodes))
	for _, node := range c.nodes {
		var nodeHits []hit
		results := make([]bool, 0, len(node.matches))
		for _, m := range node.matches {
			matched := false
			for _, p := range products {
				if !criterionMatches(m, p.CPE) {
					continue
				}
				matched = true
				if m.Vulnerable {
					nodeHits = append(nodeHits, hit{match: m, product: p})
				}
			}
			results = append(results, matched)
		}
		value := combine(node.operator, results)
		if node.negate {
			value = !value
		} else if value {
			hits = append(hits, nodeHits...)
		}
		values = append(values, value)
	}

	satisfied := combine(c.operator, values)
	if c.negate {
		satisfied = !satisfied
	}
	if !satisfied {
		return nil
	}
	return hits
}

func combine(operator string, values []bool) bool {
	if strings.EqualFold(operator, oval.OperatorAnd) {
		return len(values) > 0 && lo.EveryBy(values, func(v bool) bool { return v })
	}
	return lo.SomeBy(values, func(v bool) bool { return v })
}

// criterionMatches compares a criterion with a CPE. A specific version must
// be equal, otherwise the version must fall in the criterion's range.
func criterionMatches(m detector.NVDMatch, c cpe.CPE) bool {
	if m.Part != "" && m.Part != c.Part {
		return false
	}
	if !strings.EqualFold(m.Vendor, c.Vendor) || !strings.EqualFold(m.Product, c.Product) {
		return false
	}
	if specific(m.Update) && !strings.EqualFold(m.Update, c.Update) {
		return false
	}
	if specific(m.Version) {
		return version.CompareVersions(c.Version, m.Version) == version.Equal
	}
	return inRange(c.Version, m)
}

func inRange(v string, m detector.NVDMatch) bool {
	bounds := []struct {
		bound *string
		ok    func(version.Result) bool
	}{
		{m.VersionStartIncluding, func(r version.Result) bool { return r == version.Higher || r == version.Equal }},
		{m.VersionStartExcluding, func(r version.Result) bool { return r == version.Higher }},
		{m.VersionEndIncluding, func(r version.Result) bool { return r == version.Less || r == version.Equal }},
		{m.VersionEndExcluding, func(r version.Result) bool { return r == version.Less }},
	}
	for _, b := range bounds {
		if b.bound == nil {
			continue
		}
		if v == "" || !b.ok(version.CompareVersions(v, *b.bound)) {
			return false
		}
	}
	return true
}
