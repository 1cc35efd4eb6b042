// Package oval normalizes vendor OVAL advisories into definitions, criteria
// trees and the tests, objects, states and variables they reference.
package oval

import (
	"errors"
	"fmt"
	"strings"
)

// Dialect selects the element naming and preparser rules of a vendor feed.
type Dialect int

const (
	Ubuntu Dialect = iota + 1
	Debian
)

var ErrUnknownDialect = errors.New("unknown oval dialect")

func (d Dialect) String() string {
	switch d {
	case Ubuntu:
		return "ubuntu"
	case Debian:
		return "debian"
	}
	return "unknown"
}

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "ubuntu", "canonical":
		return Ubuntu, nil
	case "debian":
		return Debian, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownDialect, s)
}

// element returns the dialect specific name of a dpkg element. Ubuntu
// prefixes them with "linux-def:".
func (d Dialect) element(local string) string {
	if d == Ubuntu {
		return "linux-def:" + local
	}
	return local
}
