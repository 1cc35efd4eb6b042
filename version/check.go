package version

import (
	"log/slog"
	"strconv"
	"strings"
)

type Status int

const (
	NotVulnerable Status = iota
	Vulnerable
	NotFixed
	CompareError
)

func (s Status) String() string {
	switch s {
	case NotVulnerable:
		return "not vulnerable"
	case Vulnerable:
		return "vulnerable"
	case NotFixed:
		return "not fixed"
	default:
		return "compare error"
	}
}

// Operators understood by Check. "less than" and "greater than" also match
// their "or equal" variants by prefix.
const (
	OpLessThan       = "less than"
	OpLessOrEqual    = "less than or equal"
	OpGreaterThan    = "greater than"
	OpGreaterOrEqual = "greater than or equal"
	OpEqual          = "equal"
	OpNotEqual       = "not equal"
	OpExists         = "exists"
)

// Parts is a decomposed [epoch:]version[-release] string.
type Parts struct {
	Epoch   int64
	Version string
	Release *string
}

func Split(v string) Parts {
	var p Parts
	if idx := strings.IndexByte(v, ':'); idx >= 0 {
		p.Epoch = parseEpoch(v[:idx])
		v = v[idx+1:]
	}
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		if rel := v[idx+1:]; rel != "" {
			p.Release = &rel
		}
		v = v[:idx]
	}
	p.Version = v
	return p
}

// CompareVersions orders two full [epoch:]version[-release] strings. The
// epoch dominates, then the version, then the release.
func CompareVersions(a, b string) Result {
	left, right := Split(a), Split(b)
	switch {
	case left.Epoch > right.Epoch:
		return Higher
	case left.Epoch < right.Epoch:
		return Less
	}
	if r := Compare(&left.Version, &right.Version); r != Equal {
		return r
	}
	return Compare(left.Release, right.Release)
}

// parseEpoch reads a leading integer the way strtol does: optional sign,
// digits, anything else ignored.
func parseEpoch(s string) int64 {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Check decides whether the installed version satisfies op against operand.
// A nil operand means the advisory has no fix yet.
func Check(installed, op string, operand *string, log *slog.Logger) Status {
	if operand == nil {
		return NotFixed
	}
	if log == nil {
		log = slog.Default()
	}

	have, want := Split(installed), Split(*operand)

	vResult := Compare(&have.Version, &want.Version)
	if vResult == ErrorCmp {
		return CompareError
	}
	rResult := Compare(have.Release, want.Release)
	if rResult == ErrorCmp {
		return CompareError
	}

	switch {
	case strings.HasPrefix(op, OpLessThan):
		if have.Epoch != want.Epoch {
			return status(have.Epoch < want.Epoch)
		}
		switch vResult {
		case Less:
			return Vulnerable
		case Higher:
			return NotVulnerable
		}
		if rResult == Less || (rResult == Equal && op == OpLessOrEqual) {
			return Vulnerable
		}
	case strings.HasPrefix(op, OpGreaterThan):
		if have.Epoch != want.Epoch {
			return status(have.Epoch > want.Epoch)
		}
		switch vResult {
		case Less:
			return NotVulnerable
		case Higher:
			return Vulnerable
		}
		if rResult == Higher || (rResult == Equal && op == OpGreaterOrEqual) {
			return Vulnerable
		}
	case strings.HasPrefix(op, OpEqual):
		if have.Epoch == want.Epoch && vResult == Equal && rResult == Equal {
			return Vulnerable
		}
	case strings.HasPrefix(op, OpNotEqual):
		if have.Epoch != want.Epoch || vResult != Equal || rResult != Equal {
			return Vulnerable
		}
	case op == OpExists:
		return Vulnerable
	default:
		log.Warn("Unrecognized version operation", "operation", op)
	}

	return NotVulnerable
}

func status(vulnerable bool) Status {
	if vulnerable {
		return Vulnerable
	}
	return NotVulnerable
}
