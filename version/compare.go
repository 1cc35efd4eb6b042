// Package version compares distribution package versions of the form
// [epoch:]version[-release] and decides whether an installed version is
// affected by an advisory condition.
package version

import (
	"math"
	"strings"
)

type Result int

const (
	Less Result = iota
	Equal
	Higher
	ErrorCmp
)

func (r Result) String() string {
	switch r {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Higher:
		return "higher"
	default:
		return "error"
	}
}

// MaxIterations bounds the tokenizer so pathological input yields ErrorCmp.
const MaxIterations = 50

// Packaging noise removed before comparing.
var distMarkers = []string{".el", "ubuntu", ".amzn"}

const (
	tokenNone = iota
	tokenNumber
	tokenLetter
	tokenEnd
)

// Compare compares a single version or release component. A nil component
// ranks lower than any present one.
func Compare(a, b *string) Result {
	switch {
	case a != nil && b == nil:
		return Higher
	case a == nil && b != nil:
		return Less
	case a == nil && b == nil:
		return Equal
	}

	left, right := strip(*a), strip(*b)
	if left == right {
		return Equal
	}

	var leftTok, rightTok int
	i, j := 0, 0
	for it := 0; it < MaxIterations; it++ {
		if leftTok == tokenNone {
			leftTok, left, i = scan(left, i)
		}
		if rightTok == tokenNone {
			rightTok, right, j = scan(right, j)
		}
		if leftTok == tokenNone || rightTok == tokenNone {
			continue
		}

		var lv, rv int64
		if leftTok == tokenLetter && rightTok == tokenLetter {
			lv, rv = int64(left[0]), int64(right[0])
		} else {
			lv, rv = leadingNumber(left), leadingNumber(right)
		}
		switch {
		case lv > rv:
			return Higher
		case lv < rv:
			return Less
		case leftTok != rightTok:
			// a number still running outranks an exhausted operand
			if leftTok < rightTok {
				return Higher
			}
			return Less
		case leftTok == tokenEnd:
			return Equal
		}

		left = advance(left, i)
		right = advance(right, j)
		i, j = 0, 0
		leftTok, rightTok = tokenNone, tokenNone
	}

	return ErrorCmp
}

// CompareStrings is Compare for two present components.
func CompareStrings(a, b string) Result {
	return Compare(&a, &b)
}

// scan inspects one character of s at offset i and reports which token, if
// any, has been completed. Non-comparable leading runs are dropped from s.
func scan(s string, i int) (int, string, int) {
	if i >= len(s) {
		return tokenEnd, s, i
	}
	c := s[i]
	if isDigit(c) {
		return tokenNone, s, i + 1
	}
	if i > 0 {
		return tokenNumber, s, i
	}
	if isAlpha(c) && (len(s) < 2 || !isAlpha(s[1])) {
		return tokenLetter, s, i
	}
	k := 0
	for k < len(s) && !isDigit(s[k]) {
		k++
	}
	return tokenNone, s[k:], 0
}

func advance(s string, n int) string {
	if n == 0 {
		n = 1
	}
	if n > len(s) {
		return ""
	}
	return s[n:]
}

func strip(s string) string {
	for _, sep := range []string{"~", "-", "+"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			s = s[:idx]
		}
	}
	for _, marker := range distMarkers {
		if idx := strings.Index(s, marker); idx >= 0 {
			s = s[:idx]
		}
	}
	return s
}

// leadingNumber parses the leading digit run of s, saturating on overflow.
// An empty run is zero.
func leadingNumber(s string) int64 {
	var n int64
	for k := 0; k < len(s) && isDigit(s[k]); k++ {
		d := int64(s[k] - '0')
		if n > (math.MaxInt64-d)/10 {
			return math.MaxInt64
		}
		n = n*10 + d
	}
	return n
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
