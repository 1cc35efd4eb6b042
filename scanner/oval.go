package scanner

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/version"
)

// candidate is an installed package checked against one stored row.
type candidate struct {
	row    detector.Vulnerability
	pkg    inventory.Package
	status version.Status
}

func (c candidate) affected() bool {
	return c.row.Pending || c.status != version.NotVulnerable
}

func (c candidate) finding(source string) Finding {
	f := Finding{
		Source:         source,
		CveID:          c.row.CveID,
		Package:        c.pkg.Name,
		Version:        c.pkg.Version,
		Arch:           c.pkg.Architecture,
		Operation:      c.row.Operation,
		OperationValue: c.row.OperationValue,
		Pending:        c.row.Pending,
		Status:         c.status,
	}
	if c.status == version.CompareError {
		f.Condition = fmt.Sprintf("Could not compare package versions (%s %s).", c.row.Operation, lo.FromPtr(c.row.OperationValue))
	}
	return f
}

func (s *Scanner) check(row detector.Vulnerability, pkg inventory.Package) candidate {
	c := candidate{row: row, pkg: pkg}
	if !row.Pending {
		c.status = version.Check(pkg.Version, row.Operation, row.OperationValue, s.Log)
	}
	return c
}

type testKey struct {
	cve  string
	test string
}

// scanOVAL matches the packages against the rows of an OVAL target and
// evaluates the criteria of every definition that involves one of them.
func (s *Scanner) scanOVAL(agent inventory.Agent, target string, packages []inventory.Package) ([]Finding, error) {
	installed := lo.GroupBy(packages, func(p inventory.Package) string { return p.Name })

	matched, err := s.Store.Vulnerabilities([]string{target}, lo.Keys(installed))
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	var variables map[string][]string
	if lo.SomeBy(matched, func(r detector.Vulnerability) bool { return r.CheckVars }) {
		if variables, err = s.Store.Variables(target); err != nil {
			return nil, err
		}
	}

	names := func(row detector.Vulnerability) []string {
		if row.CheckVars {
			return variables[row.Package]
		}
		return []string{row.Package}
	}

	cves := lo.Uniq(lo.FilterMap(matched, func(row detector.Vulnerability, _ int) (string, bool) {
		return row.CveID, lo.SomeBy(names(row), func(n string) bool { return len(installed[n]) > 0 })
	}))
	if len(cves) == 0 {
		return nil, nil
	}

	rows, err := s.Store.CVERows(target, cves)
	if err != nil {
		return nil, err
	}
	// Variable rows of other packages are only known through the variables.
	if variables == nil && lo.SomeBy(rows, func(r detector.Vulnerability) bool { return r.CheckVars }) {
		if variables, err = s.Store.Variables(target); err != nil {
			return nil, err
		}
	}

	tests := map[testKey][]candidate{}
	for _, row := range rows {
		k := testKey{row.CveID, row.PackageRef}
		if _, ok := tests[k]; !ok {
			tests[k] = []candidate{}
		}
		for _, name := range names(row) {
			for _, pkg := range installed[name] {
				tests[k] = append(tests[k], s.check(row, pkg))
			}
		}
	}

	defs, err := s.Store.Definitions(target, cves)
	if err != nil {
		return nil, err
	}
	byCVE := lo.GroupBy(defs, func(d detector.DefinitionCriteria) string { return d.CveID })

	var findings []Finding
	for _, cve := range cves {
		affected := s.evaluate(cve, byCVE[cve], tests)
		for _, c := range affected {
			findings = append(findings, c.finding(target))
		}
	}
	s.Log.Debug("OVAL analysis finished", "agent", agent.Label(), "target", target, "cves", len(cves), "findings", len(findings))
	return findings, nil
}

// evaluate returns the affected candidates of a CVE. Definitions whose
// criteria are false discard their candidates. A CVE without a usable
// definition reports every affected candidate.
func (s *Scanner) evaluate(cve string, defs []detector.DefinitionCriteria, tests map[testKey][]candidate) []candidate {
	var trees []*oval.Criteria
	for _, def := range defs {
		tree, err := oval.UnmarshalCriteria(def.Tree)
		if err != nil {
			s.Log.Warn("Invalid definition criteria", "definition", def.DefinitionID, "err", err)
			continue
		}
		if tree != nil {
			trees = append(trees, tree)
		}
	}

	if len(trees) == 0 {
		var affected []candidate
		for k, candidates := range tests {
			if k.cve != cve {
				continue
			}
			affected = append(affected, lo.Filter(candidates, func(c candidate, _ int) bool { return c.affected() })...)
		}
		return sortCandidates(affected)
	}

	var affected []candidate
	seen := map[candidateKey]bool{}
	for _, tree := range trees {
		leaf := func(n *oval.Criteria) oval.Truth {
			if n.TestRef == "" {
				return oval.Unknown
			}
			candidates, ok := tests[testKey{cve, n.TestRef}]
			if !ok {
				return oval.Unknown
			}
			if lo.SomeBy(candidates, func(c candidate) bool { return c.affected() }) {
				return oval.True
			}
			return oval.False
		}
		if tree.Evaluate(leaf) == oval.False {
			continue
		}

		for _, ref := range positiveTests(tree, false) {
			for _, c := range tests[testKey{cve, ref}] {
				k := candidateKey{c.row.ID, c.pkg.Name, c.pkg.Version, c.pkg.Architecture}
				if !c.affected() || seen[k] {
					continue
				}
				seen[k] = true
				affected = append(affected, c)
			}
		}
	}
	return affected
}

type candidateKey struct {
	row     int
	name    string
	version string
	arch    string
}

// positiveTests returns the test references of the leaves that are not
// below a negation.
func positiveTests(c *oval.Criteria, negated bool) []string {
	if c == nil {
		return nil
	}
	negated = negated || c.Negate
	if c.IsLeaf() {
		if negated || c.TestRef == "" {
			return nil
		}
		return []string{c.TestRef}
	}
	var refs []string
	for _, child := range c.Children {
		refs = append(refs, positiveTests(child, negated)...)
	}
	return refs
}

func sortCandidates(candidates []candidate) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	slices.SortStableFunc(sorted, func(a, b candidate) int {
		return cmp.Compare(a.row.ID, b.row.ID)
	})
	return sorted
}
