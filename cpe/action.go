package cpe

import (
	"strings"
)

// Action is the bitmask of transforms a dictionary rule applies.
type Action uint32

const (
	ReplaceVendor Action = 1 << iota
	ReplaceProduct
	ReplaceVendorIfMatches
	ReplaceProductIfMatches
	SetVersionIfMatches
	ReplaceSwEditionIfProductMatches
	ReplaceMsuNameIfVersionMatches
	Ignore
	CheckHotfix
	ReplaceMsuName
	SetVersionIfProductMatches
	ReplaceArchIfProductMatches
	SetVersionOnlyIfProductMatches
	ReplaceArchOnlyIfProductMatches
)

var actionNames = []struct {
	action Action
	name   string
}{
	{ReplaceVendor, "replace_vendor"},
	{ReplaceProduct, "replace_product"},
	{ReplaceVendorIfMatches, "replace_vendor_if_matches"},
	{ReplaceProductIfMatches, "replace_product_if_matches"},
	{SetVersionIfMatches, "set_version_if_matches"},
	{ReplaceSwEditionIfProductMatches, "replace_sw_edition_if_product_matches"},
	{ReplaceMsuNameIfVersionMatches, "replace_msu_name_if_version_matches"},
	{Ignore, "ignore"},
	{CheckHotfix, "check_hotfix"},
	{ReplaceMsuName, "replace_msu_name"},
	{SetVersionIfProductMatches, "set_version_if_product_matches"},
	{ReplaceArchIfProductMatches, "replace_arch_if_product_matches"},
	{SetVersionOnlyIfProductMatches, "set_version_only_if_product_matches"},
	{ReplaceArchOnlyIfProductMatches, "replace_arch_only_if_product_matches"},
}

const msuActions = ReplaceMsuName | ReplaceMsuNameIfVersionMatches

// ParseAction maps an action name to its bit.
func ParseAction(name string) (Action, bool) {
	for _, a := range actionNames {
		if a.name == name {
			return a.action, true
		}
	}
	return 0, false
}

// ParseActions builds a mask from names and returns the names it could not
// map.
func ParseActions(names []string) (mask Action, unknown []string) {
	for _, name := range names {
		a, ok := ParseAction(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		mask |= a
	}
	return mask, unknown
}

func (a Action) Has(flag Action) bool {
	return a&flag != 0
}

// Consistent reports whether the mask avoids combining check_hotfix with any
// replace_msu_name action. A replaced MSU name already implies a hotfix check.
func (a Action) Consistent() bool {
	return !(a.Has(msuActions) && a.Has(CheckHotfix))
}

func (a Action) Names() []string {
	var names []string
	for _, n := range actionNames {
		if a.Has(n.action) {
			names = append(names, n.name)
		}
	}
	return names
}

func (a Action) String() string {
	return strings.Join(a.Names(), ",")
}
