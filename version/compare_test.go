package version

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string {
	return &s
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b     string
		expected Result
	}{
		{"1.0", "1.0", Equal},
		{"1.0", "1.0.1", Less},
		{"1.10", "1.9", Higher},
		{"1.0a", "1.0b", Less},
		{"2.4.7", "2.4.10", Less},
		{"1.2.3ubuntu1", "1.2.3", Equal},
		{"1.2.3~rc1", "1.2.3", Equal},
		{"0.9.8+dfsg", "0.9.8", Equal},
		{"2.17.el7", "2.17", Equal},
	}

	for _, c := range cases {
		t.Run(c.a+"_"+c.b, func(t *testing.T) {
			assert.Equal(t, c.expected, CompareStrings(c.a, c.b))
		})
	}
}

func TestCompareIsAntisymmetric(t *testing.T) {
	assert := assert.New(t)

	versions := []string{"1.0", "1.0.1", "1.9", "1.10", "2.0a", "2.0b", "3", "0.5"}
	inverse := map[Result]Result{Less: Higher, Higher: Less, Equal: Equal}

	for _, a := range versions {
		assert.Equal(Equal, CompareStrings(a, a), a)
		for _, b := range versions {
			ab := CompareStrings(a, b)
			ba := CompareStrings(b, a)
			assert.NotEqual(ErrorCmp, ab)
			assert.Equal(inverse[ab], ba, "%s vs %s", a, b)
		}
	}
}

func TestCompareNilComponents(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Equal, Compare(nil, nil))
	assert.Equal(Higher, Compare(ptr("1"), nil))
	assert.Equal(Less, Compare(nil, ptr("1")))
}

func TestCompareIterationCap(t *testing.T) {
	a := strings.Repeat("1.", 40) + "1"
	b := strings.Repeat("1.", 40) + "2"

	require.Equal(t, ErrorCmp, CompareStrings(a, b))
	require.Equal(t, CompareError, Check(a, OpLessThan, &b, nil))
}

func TestSplit(t *testing.T) {
	assert := assert.New(t)

	p := Split("1:2.3-4ubuntu1")
	assert.Equal(int64(1), p.Epoch)
	assert.Equal("2.3", p.Version)
	assert.Equal("4ubuntu1", *p.Release)

	p = Split("2.3-")
	assert.Equal(int64(0), p.Epoch)
	assert.Nil(p.Release)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b     string
		expected Result
	}{
		{"1.0-3", "1.0-5", Less},
		{"1.2.3-5", "1.2.3-3", Higher},
		{"1:2.0", "3.0", Higher},
		{"2.0", "1:1.0", Less},
		{"2:1.0-1", "1:9.0-1", Higher},
		{"1.0", "1.0-1", Less},
		{"1.0-1.el7", "1.0-1", Equal},
		{"2.4", "2.4", Equal},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, CompareVersions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}

func TestCheckEpochDominates(t *testing.T) {
	require.Equal(t, NotVulnerable, Check("2:1.0-1", OpLessThan, ptr("1:9.0-1"), nil))
	require.Equal(t, Vulnerable, Check("1:9.0-1", OpLessThan, ptr("2:1.0-1"), nil))
}

func TestCheckFixOrdering(t *testing.T) {
	require.Equal(t, Vulnerable, Check("1.2.3-4", OpLessThan, ptr("1.2.3-5"), nil))
	require.Equal(t, NotVulnerable, Check("1.2.3-5", OpLessThan, ptr("1.2.3-5"), nil))
	require.Equal(t, Vulnerable, Check("1.2.3-5", OpLessOrEqual, ptr("1.2.3-5"), nil))
}

func TestCheckOperators(t *testing.T) {
	cases := []struct {
		installed, op, operand string
		expected               Status
	}{
		{"1.3", OpGreaterThan, "1.2", Vulnerable},
		{"1.2", OpGreaterThan, "1.3", NotVulnerable},
		{"1.2-1", OpGreaterOrEqual, "1.2-1", Vulnerable},
		{"1.2-1", OpEqual, "1.2-1", Vulnerable},
		{"1.2-1", OpEqual, "1.2-2", NotVulnerable},
		{"1.2-1", OpNotEqual, "1.2-2", Vulnerable},
		{"1.2-1", OpNotEqual, "1.2-1", NotVulnerable},
		{"0.1", OpExists, "anything", Vulnerable},
	}

	for _, c := range cases {
		t.Run(c.op+"_"+c.installed+"_"+c.operand, func(t *testing.T) {
			assert.Equal(t, c.expected, Check(c.installed, c.op, &c.operand, nil))
		})
	}
}

func TestCheckUnknownOperator(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	status := Check("1.0", "approximately", ptr("1.0"), log)

	require.Equal(NotVulnerable, status)
	require.Contains(buf.String(), "Unrecognized version operation")
	require.Contains(buf.String(), "approximately")
}

func TestCheckWithoutFix(t *testing.T) {
	require.Equal(t, NotFixed, Check("1.0", OpLessThan, nil, nil))
}
