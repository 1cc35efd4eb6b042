package updater

import (
	"strings"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

// AllowList lets a feed serve operating systems it was not published for.
// It is either a SingleProvider or a MultiProvider.
type AllowList interface {
	allowList()
}

// SingleProvider makes an OVAL feed serve agents whose OS name and version
// contain one of the given pairs. Names and Versions have the same length.
type SingleProvider struct {
	Names    []string
	Versions []string
}

// Translation maps an OS release onto the release whose data it shares.
type Translation struct {
	SrcName    string
	SrcVersion string
	DstName    string
	DstVersion string
}

// MultiProvider translates OS releases onto the releases of a feed that
// covers several of them.
type MultiProvider struct {
	Rules []Translation
}

func (SingleProvider) allowList() {}
func (MultiProvider) allowList()  {}

func newSingleProvider(allow []detector.AllowConfig) AllowList {
	if len(allow) == 0 {
		return nil
	}
	p := SingleProvider{}
	for _, a := range allow {
		p.Names = append(p.Names, a.Name)
		p.Versions = append(p.Versions, a.Version)
	}
	return p
}

func newMultiProvider(translations []detector.TranslationConfig) AllowList {
	if len(translations) == 0 {
		return nil
	}
	p := MultiProvider{}
	for _, t := range translations {
		p.Rules = append(p.Rules, Translation{
			SrcName:    t.SrcName,
			SrcVersion: t.SrcVersion,
			DstName:    t.DstName,
			DstVersion: t.DstVersion,
		})
	}
	return p
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Allows reports whether the OS is served by the feed.
func (p SingleProvider) Allows(osName, osVersion string) bool {
	for i, name := range p.Names {
		if i >= len(p.Versions) {
			break
		}
		if containsFold(osName, name) && containsFold(osVersion, p.Versions[i]) {
			return true
		}
	}
	return false
}

// Translate returns the release the OS is mapped to.
func (p MultiProvider) Translate(osName, osVersion string) (Translation, bool) {
	for _, r := range p.Rules {
		if containsFold(osName, r.SrcName) && containsFold(osVersion, r.SrcVersion) {
			return r, true
		}
	}
	return Translation{}, false
}

type Family int

const (
	FamilyUnknown Family = iota
	FamilyUbuntu
	FamilyDebian
	FamilyRedHat
	FamilyWindows
)

func (f Family) String() string {
	switch f {
	case FamilyUbuntu:
		return "ubuntu"
	case FamilyDebian:
		return "debian"
	case FamilyRedHat:
		return "redhat"
	case FamilyWindows:
		return "windows"
	}
	return "unknown"
}

// Platform is the feed family and target an agent is matched against.
type Platform struct {
	Family Family
	Target string
}

// OVAL reports whether the platform is matched against an OVAL feed.
func (p Platform) OVAL() bool {
	return p.Family == FamilyUbuntu || p.Family == FamilyDebian
}

var familyVersions = map[Family][]struct {
	marker string
	target string
}{
	FamilyUbuntu: {{"18", "BIONIC"}, {"16", "XENIAL"}, {"14", "TRUSTY"}, {"12", "PRECISE"}},
	FamilyDebian: {{"7", "WHEEZY"}, {"8", "JESSIE"}, {"9", "STRETCH"}},
	FamilyRedHat: {{"7", "RHEL7"}, {"6", "RHEL6"}, {"5", "RHEL5"}},
}

// detect maps an OS name and major version onto a supported release. The
// target is empty when the family or its version is not supported.
func detect(osName, osVersion string, unknown *warn.Set) (p Platform) {
	switch {
	case containsFold(osName, "ubuntu"):
		p.Family = FamilyUbuntu
	case containsFold(osName, "debian"):
		p.Family = FamilyDebian
	case containsFold(osName, "red hat"), containsFold(osName, "redhat"), containsFold(osName, "centos"):
		p.Family = FamilyRedHat
	case containsFold(osName, "amazon"):
		return Platform{Family: FamilyRedHat, Target: "RHEL7"}
	case containsFold(osName, "windows"):
		return Platform{Family: FamilyWindows, Target: string(cpe.DecodeWindows(osName, unknown))}
	default:
		return Platform{}
	}

	for _, v := range familyVersions[p.Family] {
		if strings.Contains(osVersion, v.marker) {
			p.Target = v.target
			return p
		}
	}
	return p
}

func familyOf(dialect oval.Dialect) Family {
	if dialect == oval.Ubuntu {
		return FamilyUbuntu
	}
	return FamilyDebian
}

// Resolve finds the platform of an agent. Releases without a feed of their
// own are looked up in the allow lists of nodes.
func Resolve(nodes []*Node, osName, osVersion string, unknown *warn.Set) (Platform, bool) {
	p := detect(osName, osVersion, unknown)
	if p.Target != "" {
		return p, true
	}

	for _, n := range nodes {
		switch allow := n.Allow.(type) {
		case SingleProvider:
			if allow.Allows(osName, osVersion) {
				return Platform{Family: familyOf(n.Dialect), Target: n.Target}, true
			}
		case MultiProvider:
			t, ok := allow.Translate(osName, osVersion)
			if !ok {
				continue
			}
			dst := detect(t.DstName, t.DstVersion, unknown)
			if dst.Target == "" || dst.Family == FamilyWindows {
				unknown.Warn("Invalid OS translation", t.DstName+" "+t.DstVersion)
				return Platform{}, false
			}
			return dst, true
		}
	}

	unknown.Warn("Unsupported operating system", strings.TrimSpace(osName+" "+osVersion))
	return Platform{}, false
}
