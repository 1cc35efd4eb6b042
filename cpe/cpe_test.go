package cpe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

func TestParseURI(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c, err := ParseURI("cpe:2.3:a:b:c:d:e:f:g:h:i:j:k")
	require.NoError(err)

	assert.Equal("a", c.Part, "part")
	assert.Equal("b", c.Vendor, "vendor")
	assert.Equal("c", c.Product, "product")
	assert.Equal("d", c.Version, "version")
	assert.Equal("e", c.Update, "update")
	assert.Equal("f", c.Edition, "edition")
	assert.Equal("g", c.Language, "language")
	assert.Equal("h", c.SwEdition, "sw_edition")
	assert.Equal("i", c.TargetSw, "target_sw")
	assert.Equal("j", c.TargetHw, "target_hw")
	assert.Equal("k", c.Other, "other")
}

func TestParseURIWildcardsAndEscapes(t *testing.T) {
	require := require.New(t)

	c, err := ParseURI(`cpe:2.3:a:vendor:prod\:uct:1.0:*:*:*:*:*:*:*`)
	require.NoError(err)
	require.Equal("prod:uct", c.Product)
	require.Empty(c.Update)
	require.Equal(`cpe:2.3:a:vendor:prod\:uct:1.0:*:*:*:*:*:*:*`, c.URI())
}

func TestParseURIRejectsShortInput(t *testing.T) {
	_, err := ParseURI("cpe:2.3:a:b")
	require.Error(t, err)

	_, err = ParseURI("cpe:/a:b:c")
	require.Error(t, err)
}

func TestRawFormIsDerivedFromFields(t *testing.T) {
	require := require.New(t)

	c := CPE{Part: "a", Vendor: "mozilla", Product: "firefox", Version: "68.0", TargetHw: "x86_64"}
	require.Equal("a:mozilla:firefox:68.0::::::x86_64:", c.String())

	c.Version = "69.0"
	require.Equal("a:mozilla:firefox:69.0::::::x86_64:", c.String())

	parsed, err := ParseRaw(c.String())
	require.NoError(err)
	require.Equal(c.String(), parsed.String())
}

func TestUnmarshalJSON(t *testing.T) {
	require := require.New(t)

	var c CPE
	require.NoError(json.Unmarshal([]byte(`"cpe:2.3:o:microsoft:windows_10:1809:*:*:*:*:*:x64:*"`), &c))
	require.Equal("windows_10", c.Product)
	require.Equal("x64", c.TargetHw)

	require.NoError(json.Unmarshal([]byte(`"a:vendor:product:1.0:::::::"`), &c))
	require.Equal("vendor", c.Vendor)

	require.NoError(json.Unmarshal([]byte(`{"part":"a","vendor":"v","product":"p"}`), &c))
	require.Equal("p", c.Product)
}

func TestDecodeWindows(t *testing.T) {
	unknown := warn.NewSet("os", nil)

	cases := map[string]Windows{
		"Microsoft Windows Server 2008 R2 Datacenter": WS2008R2,
		"Microsoft Windows Server 2008 Standard":      WS2008,
		"Microsoft Windows 8.1 Pro":                   W81,
		"Microsoft Windows 8 Pro":                     W8,
		"Microsoft Windows 10 Enterprise":             W10,
		"Microsoft Windows Server 2003 R2":            WS2003R2,
		"Microsoft Windows XP Professional":           WXP,
		"Microsoft Windows 95":                        WindowsUnknown,
	}
	for name, expected := range cases {
		assert.Equal(t, expected, DecodeWindows(name, unknown), name)
	}
	assert.Equal(t, 1, unknown.Len())
}

func TestWindowsCPE(t *testing.T) {
	require := require.New(t)

	c, ok := WindowsCPE(W10, "1809", "x86_64")
	require.True(ok)
	require.Equal("o:microsoft:windows_10:1809::::::x86_64:", c.String())
	require.Equal("Windows 10", c.MsuName)
	require.True(c.CheckHotfix)

	c, ok = WindowsCPE(WS2012R2, "6.3", "x86_64")
	require.True(ok)
	require.Equal("r2", c.Version)
	require.Equal("6.3", c.Update)
	require.Equal("windows_server_2012", c.Product)

	_, ok = WindowsCPE(WindowsUnknown, "1", "x86")
	require.False(ok)
}

func TestActions(t *testing.T) {
	require := require.New(t)

	mask, unknown := ParseActions([]string{"replace_vendor", "check_hotfix", "explode"})
	require.Equal(ReplaceVendor|CheckHotfix, mask)
	require.Equal([]string{"explode"}, unknown)
	require.Equal("replace_vendor,check_hotfix", mask.String())
	require.True(mask.Consistent())

	require.False((CheckHotfix | ReplaceMsuName).Consistent())
	require.False((CheckHotfix | ReplaceMsuNameIfVersionMatches).Consistent())
	require.True(ReplaceMsuName.Consistent())
}
