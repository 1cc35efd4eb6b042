package scanner

import (
	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
)

// rpm is an installed package with the release its version was built for.
type rpm struct {
	pkg    inventory.Package
	target string
	minor  string
}

// scanRedHat matches packages against the Red Hat rows of the release their
// version belongs to. Packages without a release marker use the release of
// the agent. Minor releases only have to agree when both are known.
func (s *Scanner) scanRedHat(agent inventory.Agent, target string, packages []inventory.Package) ([]Finding, error) {
	rpms := lo.Map(packages, func(p inventory.Package, _ int) rpm {
		r := rpm{pkg: p, target: target}
		if d, ok := feed.DecodeRedHatPackage(p.Name + "-" + p.Version); ok && d.Target != "" {
			r.target = d.Target
			r.minor = d.TargetMinor
		}
		return r
	})

	targets := lo.Uniq(lo.Map(rpms, func(r rpm, _ int) string { return r.target }))
	names := lo.Map(packages, func(p inventory.Package, _ int) string { return p.Name })
	rows, err := s.Store.Vulnerabilities(targets, names)
	if err != nil {
		return nil, err
	}

	type rowKey struct {
		target string
		name   string
	}
	index := lo.GroupBy(rows, func(r detector.Vulnerability) rowKey { return rowKey{r.Target, r.Package} })

	var findings []Finding
	for _, r := range rpms {
		for _, row := range index[rowKey{r.target, r.pkg.Name}] {
			if row.TargetMinor != "" && r.minor != "" && row.TargetMinor != r.minor {
				continue
			}
			c := s.check(row, r.pkg)
			if !c.affected() {
				continue
			}
			findings = append(findings, c.finding(feed.RedHatTarget))
		}
	}
	s.Log.Debug("Red Hat analysis finished", "agent", agent.Label(), "target", target, "findings", len(findings))
	return findings, nil
}
