package cpe

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Section holds per-field term lists. Each entry of a field is a list of
// alternatives, and its index is the correlation id that ties a source
// alternative to the translation used when it matches.
type Section struct {
	Vendor    [][]string `json:"vendor,omitempty"`
	Product   [][]string `json:"product,omitempty"`
	Version   [][]string `json:"version,omitempty"`
	SwEdition [][]string `json:"sw_edition,omitempty"`
	Update    [][]string `json:"update,omitempty"`
	MsuName   [][]string `json:"msu_name,omitempty"`
	TargetHw  [][]string `json:"target_hw,omitempty"`
}

// Field names as they appear in the dictionary document and the store.
const (
	FieldVendor    = "vendor"
	FieldProduct   = "product"
	FieldVersion   = "version"
	FieldSwEdition = "sw_edition"
	FieldUpdate    = "update"
	FieldMsuName   = "msu_name"
	FieldTargetHw  = "target_hw"
)

var sectionFields = []string{
	FieldVendor, FieldProduct, FieldVersion, FieldSwEdition,
	FieldUpdate, FieldMsuName, FieldTargetHw,
}

func SectionFields() []string {
	return sectionFields
}

// Field returns a pointer to the term lists of the named field.
func (s *Section) Field(name string) *[][]string {
	switch name {
	case FieldVendor:
		return &s.Vendor
	case FieldProduct:
		return &s.Product
	case FieldVersion:
		return &s.Version
	case FieldSwEdition:
		return &s.SwEdition
	case FieldUpdate:
		return &s.Update
	case FieldMsuName:
		return &s.MsuName
	case FieldTargetHw:
		return &s.TargetHw
	}
	return nil
}

// Rule is one dictionary entry.
type Rule struct {
	Target      string
	Action      Action
	Source      Section
	Translation Section
}

// Package is the inventory view the dictionary matches against.
type Package struct {
	Vendor  string
	Name    string
	Version string
	Arch    string
}

// Match is the outcome of applying a rule to a package.
type Match struct {
	CPE     CPE
	Rule    int
	Ignored bool
}

type sourcePattern struct {
	raw    string
	re     *regexp.Regexp
	isNull bool
}

type compiledRule struct {
	Rule
	index       int
	source      map[string][][]sourcePattern
	translation map[string][][]Term
}

// Dictionary evaluates rules per target in memory.
type Dictionary struct {
	rules map[string][]compiledRule
	log   *slog.Logger
}

// NewDictionary compiles rules. A rule mixing check_hotfix with the
// replace_msu_name actions is kept but reported.
func NewDictionary(rules []Rule, log *slog.Logger) (*Dictionary, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Dictionary{rules: map[string][]compiledRule{}, log: log}

	for i, rule := range rules {
		cr := compiledRule{
			Rule:        rule,
			index:       i,
			source:      map[string][][]sourcePattern{},
			translation: map[string][][]Term{},
		}
		if !rule.Action.Consistent() {
			log.Warn(
				"Dictionary rule combines check_hotfix with replace_msu_name",
				"target", rule.Target,
				"rule", i,
				"action", rule.Action.String(),
			)
		}

		for _, field := range sectionFields {
			for _, alternatives := range *rule.Source.Field(field) {
				patterns := make([]sourcePattern, 0, len(alternatives))
				for _, alt := range alternatives {
					p := sourcePattern{raw: alt}
					if alt == "" {
						p.isNull = true
					} else {
						re, err := regexp.Compile(alt)
						if err != nil {
							return nil, fmt.Errorf("could not compile source %s pattern of rule %d: %w", field, i, err)
						}
						p.re = re
					}
					patterns = append(patterns, p)
				}
				cr.source[field] = append(cr.source[field], patterns)
			}

			for _, alternatives := range *rule.Translation.Field(field) {
				terms := make([]Term, 0, len(alternatives))
				for _, alt := range alternatives {
					term, err := ParseTerm(alt)
					if err != nil {
						return nil, fmt.Errorf("could not parse translation %s term of rule %d: %w", field, i, err)
					}
					terms = append(terms, term)
				}
				cr.translation[field] = append(cr.translation[field], terms)
			}
		}

		d.rules[rule.Target] = append(d.rules[rule.Target], cr)
	}

	return d, nil
}

// Len returns the number of rules for target.
func (d *Dictionary) Len(target string) int {
	return len(d.rules[target])
}

// Match finds the first rule of target whose source vendor and product match
// the package and returns the CPE it produces.
func (d *Dictionary) Match(target string, pkg Package) (Match, bool) {
	for _, rule := range d.rules[target] {
		vendorCorr, ok := rule.correlate(FieldVendor, pkg.Vendor)
		if !ok {
			continue
		}
		productCorr, ok := rule.correlate(FieldProduct, pkg.Name)
		if !ok {
			continue
		}

		if rule.Action.Has(Ignore) {
			return Match{Rule: rule.index, Ignored: true}, true
		}

		return Match{
			CPE:  rule.apply(pkg, vendorCorr, productCorr),
			Rule: rule.index,
		}, true
	}
	return Match{}, false
}

// correlate returns the correlation id of the first source alternative of
// field matching value.
func (r compiledRule) correlate(field, value string) (int, bool) {
	for corr, alternatives := range r.source[field] {
		for _, p := range alternatives {
			if p.isNull {
				if value == "" {
					return corr, true
				}
				continue
			}
			if p.re.MatchString(value) {
				return corr, true
			}
		}
	}
	return 0, false
}

// translate returns the first translation of field at corr whose condition
// holds for env.
func (r compiledRule) translate(field string, corr int, env ConditionEnv) (string, bool) {
	entries := r.translation[field]
	if corr < 0 || corr >= len(entries) {
		return "", false
	}
	for _, term := range entries[corr] {
		if term.Holds(env) {
			return term.Value, true
		}
	}
	return "", false
}

// translateAny prefers the correlated translation and falls back to the
// first one.
func (r compiledRule) translateAny(field string, corr int, env ConditionEnv) (string, bool) {
	if v, ok := r.translate(field, corr, env); ok {
		return v, true
	}
	return r.translate(field, 0, env)
}

func (r compiledRule) apply(pkg Package, vendorCorr, productCorr int) CPE {
	env := ConditionEnv{
		Vendor:  pkg.Vendor,
		Product: pkg.Name,
		Version: pkg.Version,
		Arch:    pkg.Arch,
	}
	c := CPE{
		Part:     PartApplication,
		Vendor:   pkg.Vendor,
		Product:  pkg.Name,
		Version:  pkg.Version,
		TargetHw: pkg.Arch,
	}
	a := r.Action

	if a.Has(ReplaceVendor) {
		if v, ok := r.translateAny(FieldVendor, vendorCorr, env); ok {
			c.Vendor = v
		}
	}
	if a.Has(ReplaceVendorIfMatches) {
		if v, ok := r.translate(FieldVendor, vendorCorr, env); ok {
			c.Vendor = v
		}
	}
	if a.Has(ReplaceProduct) {
		if v, ok := r.translateAny(FieldProduct, productCorr, env); ok {
			c.Product = v
		}
	}
	if a.Has(ReplaceProductIfMatches) {
		if v, ok := r.translate(FieldProduct, productCorr, env); ok {
			c.Product = v
		}
	}

	if a.Has(SetVersionIfMatches) {
		if v, ok := r.versionFromSource(pkg.Version, env); ok {
			c.Version = v
		}
	}
	if a.Has(SetVersionIfProductMatches) {
		v, _ := r.translate(FieldVersion, productCorr, env)
		c.Version = v
	}
	if a.Has(SetVersionOnlyIfProductMatches) {
		if v, ok := r.translate(FieldVersion, productCorr, env); ok {
			c.Version = v
		}
	}

	if a.Has(ReplaceSwEditionIfProductMatches) {
		if v, ok := r.translate(FieldSwEdition, productCorr, env); ok {
			c.SwEdition = v
		}
	}

	if a.Has(ReplaceArchIfProductMatches) {
		v, _ := r.translate(FieldTargetHw, productCorr, env)
		c.TargetHw = v
	}
	if a.Has(ReplaceArchOnlyIfProductMatches) {
		if v, ok := r.translate(FieldTargetHw, productCorr, env); ok {
			c.TargetHw = v
		}
	}

	if a.Has(ReplaceMsuName) {
		if v, ok := r.translateAny(FieldMsuName, productCorr, env); ok {
			c.MsuName = v
		}
	}
	if a.Has(ReplaceMsuNameIfVersionMatches) {
		if corr, ok := r.correlate(FieldVersion, pkg.Version); ok {
			if v, ok := r.translate(FieldMsuName, corr, env); ok {
				c.MsuName = v
			}
		}
	}

	if v, ok := r.translate(FieldUpdate, productCorr, env); ok {
		c.Update = v
	}

	c.CheckHotfix = a.Has(CheckHotfix) || c.MsuName != ""

	return c
}

// versionFromSource matches the version against the source version patterns.
// The correlated translation wins; otherwise the first capture group is used.
func (r compiledRule) versionFromSource(v string, env ConditionEnv) (string, bool) {
	for corr, alternatives := range r.source[FieldVersion] {
		for _, p := range alternatives {
			if p.isNull {
				continue
			}
			m := p.re.FindStringSubmatch(v)
			if m == nil {
				continue
			}
			if t, ok := r.translate(FieldVersion, corr, env); ok {
				return t, true
			}
			if len(m) > 1 {
				return m[1], true
			}
			return m[0], true
		}
	}
	return "", false
}
