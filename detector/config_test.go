package detector

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
db_path = "/var/lib/vuln-detector/cve.db"
interval = "5m"
ignore_time = "6h"
run_on_start = true
max_eps = 50
log_level = "debug"

[inventory]
socket = "/var/ossec/queue/db/wdb"

[alerts]
output = "-"

[[feeds]]
type = "ubuntu"
version = "bionic"
interval = "1d"

[[feeds.allow]]
name = "Linux Mint"
version = "19"

[[feeds]]
type = "redhat"
update_from_year = 2016
interval = "once"

[[feeds.translation]]
src_name = "Oracle Linux"
src_version = "7"
dst_name = "redhat"
dst_version = "7"

[[feeds]]
type = "nvd"
interval = "2w"

[[rewriters]]
field = "Version"
predicate = "Vendor == 'python'"
rewrite_rule = "fmt('%s.0', Version)"
`

func TestParseConfig(t *testing.T) {
	require := require.New(t)

	c, err := ParseConfig(strings.NewReader(testConfig))
	require.NoError(err)

	require.Equal("/var/lib/vuln-detector/cve.db", c.DBPath)
	require.Equal(5*time.Minute, c.Interval.Std())
	require.Equal(6*time.Hour, c.IgnoreTime.Std())
	require.True(c.RunOnStart)
	require.Equal(50, c.MaxEPS)
	require.Equal(slog.LevelDebug, c.Level())
	require.Equal("/var/ossec/queue/db/wdb", c.Inventory.Socket)

	require.Len(c.Feeds, 3)
	require.Equal("bionic", c.Feeds[0].Version)
	require.Equal(24*time.Hour, c.Feeds[0].Interval.Std())
	require.Equal([]AllowConfig{{Name: "Linux Mint", Version: "19"}}, c.Feeds[0].Allow)

	require.True(c.Feeds[1].Interval.IsOnce())
	require.Equal(2016, c.Feeds[1].UpdateFromYear)
	require.Equal("Oracle Linux", c.Feeds[1].Translation[0].SrcName)
	require.Equal("7", c.Feeds[1].Translation[0].DstVersion)

	require.Equal(14*24*time.Hour, c.Feeds[2].Interval.Std())

	require.Len(c.Rewriters, 1)
	require.Equal("Version", c.Rewriters[0].Field)
	require.Equal("fmt('%s.0', Version)", c.Rewriters[0].RewriteRule)
}

func TestParseConfigInvalidDuration(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`interval = "xd"`))
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in       string
		expected Duration
	}{
		{"once", Once},
		{"1d", Duration(24 * time.Hour)},
		{"2w", Duration(14 * 24 * time.Hour)},
		{"90s", Duration(90 * time.Second)},
		{" 1h ", Duration(time.Hour)},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			var d Duration
			require.NoError(t, d.UnmarshalText([]byte(test.in)))
			require.Equal(t, test.expected, d)
		})
	}
}

func TestDurationMarshal(t *testing.T) {
	require := require.New(t)

	text, err := Once.MarshalText()
	require.NoError(err)
	require.Equal("once", string(text))

	text, err = Duration(time.Hour).MarshalText()
	require.NoError(err)
	require.Equal("1h0m0s", string(text))
}

func TestDurationOr(t *testing.T) {
	require := require.New(t)

	require.Equal(Duration(time.Hour), Duration(0).Or(time.Hour))
	require.Equal(Duration(time.Minute), Duration(time.Minute).Or(time.Hour))
	require.Equal(Once, Once.Or(time.Hour))
}

func TestLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, slog.LevelInfo, Config{LogLevel: "verbose"}.Level())
	require.Equal(t, slog.LevelInfo, Config{}.Level())
}
