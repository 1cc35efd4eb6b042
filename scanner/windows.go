package scanner

import (
	"context"
	"strings"

	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
)

// DictionaryTarget selects the dictionary rules used for Windows software.
const DictionaryTarget = "windows"

// scanWindows identifies the system and its software by CPE, matches them
// against the NVD and discards findings fixed by an installed hotfix.
func (s *Scanner) scanWindows(ctx context.Context, agent inventory.Agent, tag cpe.Windows, packages []inventory.Package, dict *cpe.Dictionary) ([]Finding, error) {
	log := s.Log.With("agent", agent.Label())

	release, err := s.Inventory.OSRelease(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	hotfixes, err := s.Inventory.Hotfixes(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	installed := lo.SliceToMap(hotfixes, func(h string) (string, struct{}) { return normalizeKB(h), struct{}{} })

	var products []product
	if release == "" {
		log.Debug("Agent did not report its OS release")
	} else if system, ok := cpe.WindowsCPE(tag, release, agent.OSArch); ok {
		products = append(products, product{Name: tag.Name(), Version: release, Arch: agent.OSArch, CPE: system})
	}

	for _, pkg := range packages {
		c, ok := s.packageCPE(ctx, agent, pkg, dict)
		if !ok {
			continue
		}
		products = append(products, product{Name: pkg.Name, Version: pkg.Version, Arch: pkg.Architecture, CPE: c})
	}
	if len(products) == 0 {
		return nil, nil
	}

	pairs := lo.Map(products, func(p product, _ int) [2]string { return [2]string{p.CPE.Vendor, p.CPE.Product} })
	matches, err := s.Store.NVDCandidates(pairs)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, h := range matchNVD(matches, products) {
		if h.product.CPE.CheckHotfix && h.product.CPE.MsuName != "" {
			fixed, err := s.patched(h.match.CveID, h.product.CPE.MsuName, installed)
			if err != nil {
				return nil, err
			}
			if fixed {
				log.Debug("Vulnerability fixed by hotfix", "cve", h.match.CveID, "product", h.product.Name)
				continue
			}
		}
		findings = append(findings, h.finding())
	}
	log.Debug("NVD analysis finished", "products", len(products), "findings", len(findings))
	return findings, nil
}

// packageCPE returns the CPE stored by the inventory or generates one from
// the dictionary. Generated CPEs are stored back.
func (s *Scanner) packageCPE(ctx context.Context, agent inventory.Agent, pkg inventory.Package, dict *cpe.Dictionary) (cpe.CPE, bool) {
	if raw := pkg.CPE.TakeOr(""); raw != "" {
		c, err := cpe.ParseRaw(raw)
		if err == nil {
			c.MsuName = pkg.MsuName.TakeOr("")
			c.CheckHotfix = c.MsuName != ""
			return c, true
		}
		s.Log.Debug("Invalid stored CPE", "agent", agent.Label(), "package", pkg.Name, "err", err)
	}

	if dict == nil {
		return cpe.CPE{}, false
	}
	m, ok := dict.Match(DictionaryTarget, cpe.Package{
		Vendor:  pkg.Vendor,
		Name:    pkg.Name,
		Version: pkg.Version,
		Arch:    pkg.Architecture,
	})
	if !ok || m.Ignored {
		return cpe.CPE{}, false
	}

	c := cpe.RewriteAll(s.Rewriters, m.CPE)
	if err := s.Inventory.SetCPE(ctx, agent.ID, pkg, c); err != nil {
		s.Log.Warn("Could not store generated CPE", "agent", agent.Label(), "package", pkg.Name, "err", err)
	}
	return c, true
}

// patched reports whether one of the updates fixing cve for the product is
// installed. A CVE without updates for the product is left to the NVD.
func (s *Scanner) patched(cve, msuName string, installed map[string]struct{}) (bool, error) {
	patches, err := s.Store.Patches(cve)
	if err != nil {
		return false, err
	}
	for _, p := range patches {
		if !appliesTo(p.Product, msuName) {
			continue
		}
		if _, ok := installed[normalizeKB(p.Patch)]; ok {
			return true, nil
		}
	}
	return false, nil
}

// appliesTo matches an MSU product with the name of a system or program.
// R2 products only apply to R2 names.
func appliesTo(product, msuName string) bool {
	if !strings.Contains(product, msuName) {
		return false
	}
	return !strings.Contains(product, " R2 ") || strings.Contains(msuName, "R2")
}

func normalizeKB(kb string) string {
	kb = strings.ToUpper(strings.TrimSpace(kb))
	return strings.TrimPrefix(kb, "KB")
}
