package cpe

import (
	"strings"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

// Windows is a supported Windows release, identified by its feed tag.
type Windows string

const (
	WindowsUnknown Windows = "WIN"
	WS2003         Windows = "WS2003"
	WS2003R2       Windows = "WS2003R2"
	WXP            Windows = "WXP"
	WVista         Windows = "WVISTA"
	W7             Windows = "W7"
	W8             Windows = "W8"
	W81            Windows = "W81"
	W10            Windows = "W10"
	WS2008         Windows = "WS2008"
	WS2008R2       Windows = "WS2008R2"
	WS2012         Windows = "WS2012"
	WS2012R2       Windows = "WS2012R2"
	WS2016         Windows = "WS2016"
	WS2019         Windows = "WS2019"
)

type windowsRelease struct {
	tag     Windows
	name    string
	product string
	r2      bool
}

// Decoding order matters: more specific names come before their prefixes.
var windowsReleases = []windowsRelease{
	{WS2003R2, "Windows Server 2003 R2", "windows_server_2003", true},
	{WS2003, "Windows Server 2003", "windows_server_2003", false},
	{WXP, "Windows XP", "windows_xp", false},
	{WVista, "Windows Vista", "windows_vista", false},
	{W7, "Windows 7", "windows_7", false},
	{W81, "Windows 8.1", "windows_8.1", false},
	{W8, "Windows 8", "windows_8", false},
	{W10, "Windows 10", "windows_10", false},
	{WS2008R2, "Windows Server 2008 R2", "windows_server_2008", true},
	{WS2008, "Windows Server 2008", "windows_server_2008", false},
	{WS2012R2, "Windows Server 2012 R2", "windows_server_2012", true},
	{WS2012, "Windows Server 2012", "windows_server_2012", false},
	{WS2016, "Windows Server 2016", "windows_server_2016", false},
	{WS2019, "Windows Server 2019", "windows_server_2019", false},
}

func lookupWindows(tag Windows) (windowsRelease, bool) {
	for _, r := range windowsReleases {
		if r.tag == tag {
			return r, true
		}
	}
	return windowsRelease{}, false
}

// Name returns the human readable release name, which is also the product
// name used by the MSU feed.
func (w Windows) Name() string {
	if r, ok := lookupWindows(w); ok {
		return r.name
	}
	return "Microsoft Windows"
}

// DecodeWindows maps an agent's OS name to a Windows release. Unknown names
// are reported through unknown and yield WindowsUnknown.
func DecodeWindows(osName string, unknown *warn.Set) Windows {
	lower := strings.ToLower(osName)
	for _, r := range windowsReleases {
		if strings.Contains(lower, strings.ToLower(r.name)) {
			return r.tag
		}
	}
	unknown.Warn("Unrecognized Windows system", osName)
	return WindowsUnknown
}

// WindowsCPE builds the operating system CPE of a Windows agent. R2 releases
// carry "r2" as version and the OS release as update.
func WindowsCPE(tag Windows, release, arch string) (CPE, bool) {
	r, ok := lookupWindows(tag)
	if !ok {
		return CPE{}, false
	}

	c := CPE{
		Part:     PartOperatingSystem,
		Vendor:   "microsoft",
		Product:  r.product,
		Version:  release,
		TargetHw: arch,
		MsuName:  r.name,
	}
	if r.r2 {
		c.Version = "r2"
		c.Update = release
	}
	c.CheckHotfix = c.MsuName != ""

	return c, true
}
