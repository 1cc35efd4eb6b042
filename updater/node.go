// Package updater drives the feed update state machine: it decides which
// feeds are due, fetches them, short-circuits unchanged ones and hands the
// normalized results to the store.
package updater

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
)

type Kind int

const (
	KindOVAL Kind = iota + 1
	KindRedHat
	KindCPEHelper
	KindMSU
	KindNVD
)

func (k Kind) String() string {
	switch k {
	case KindOVAL:
		return "oval"
	case KindRedHat:
		return "redhat"
	case KindCPEHelper:
		return "cpe-helper"
	case KindMSU:
		return "msu"
	case KindNVD:
		return "nvd"
	}
	return "unknown"
}

type State int

const (
	StateNotDue State = iota
	StateFetching
	StateParsed
	StateIndexed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotDue:
		return "not-due"
	case StateFetching:
		return "fetching"
	case StateParsed:
		return "parsed"
	case StateIndexed:
		return "indexed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	DefaultInterval       = time.Hour
	DefaultNVDInterval    = 24 * time.Hour
	DefaultHelperInterval = 24 * time.Hour
	DefaultFromYear       = 2010

	// RetryDelay is how soon a failed feed is retried the first time.
	RetryDelay = 5 * time.Minute
)

const (
	CanonicalURL = "https://people.canonical.com/~ubuntu-security/oval/com.ubuntu.%s.cve.oval.xml"
	DebianURL    = "https://www.debian.org/security/oval/oval-definitions-%s.xml"
	RedHatURL    = "https://access.redhat.com/labs/securitydataapi/cve.json?after=%d-01-01&per_page=%d&page=%d"
)

// Node is the configuration and update state of one feed.
type Node struct {
	Target         string
	Kind           Kind
	Dialect        oval.Dialect
	Version        string
	URL            string
	Path           string
	Interval       detector.Duration
	UpdateFromYear int
	Allow          AllowList

	LastUpdate time.Time
	Attempted  bool
	State      State
}

// Due reports whether the feed has to be updated at now.
func (n *Node) Due(now time.Time) bool {
	if n.LastUpdate.IsZero() {
		return true
	}
	if n.Interval.IsOnce() {
		return false
	}
	return n.LastUpdate.Add(n.Interval.Std()).Before(now)
}

// fail applies the retry nudge: the first failure schedules a retry after
// RetryDelay, a second consecutive one falls back to the regular interval.
// Feeds imported once are retried on the next pass instead.
func (n *Node) fail(now time.Time) {
	n.State = StateFailed
	if !n.Attempted {
		n.Attempted = true
		if n.Interval.IsOnce() {
			n.LastUpdate = time.Time{}
			return
		}
		n.LastUpdate = now.Add(-n.Interval.Std()).Add(RetryDelay)
		return
	}
	n.LastUpdate = now
	n.Attempted = false
}

func (n *Node) succeed(now time.Time) {
	n.State = StateIndexed
	n.LastUpdate = now
	n.Attempted = false
}

type release struct {
	dialect  oval.Dialect
	name     string
	versions []string
	target   string
}

// The update order of the OVAL feeds.
var releases = []release{
	{oval.Ubuntu, "bionic", []string{"18"}, "BIONIC"},
	{oval.Ubuntu, "xenial", []string{"16"}, "XENIAL"},
	{oval.Ubuntu, "trusty", []string{"14"}, "TRUSTY"},
	{oval.Ubuntu, "precise", []string{"12"}, "PRECISE"},
	{oval.Debian, "stretch", []string{"9"}, "STRETCH"},
	{oval.Debian, "jessie", []string{"8"}, "JESSIE"},
	{oval.Debian, "wheezy", []string{"7"}, "WHEEZY"},
}

func lookupRelease(dialect oval.Dialect, version string) (release, bool) {
	v := strings.ToLower(strings.TrimSpace(version))
	for _, r := range releases {
		if r.dialect != dialect {
			continue
		}
		if v == r.name {
			return r, true
		}
		for _, n := range r.versions {
			if v == n || strings.HasPrefix(v, n+".") {
				return r, true
			}
		}
	}
	return release{}, false
}

func rank(n *Node) int {
	switch n.Kind {
	case KindOVAL:
		for i, r := range releases {
			if r.target == n.Target {
				return i
			}
		}
		return len(releases)
	case KindRedHat:
		return len(releases) + 1
	case KindCPEHelper:
		return len(releases) + 2
	case KindMSU:
		return len(releases) + 3
	}
	return len(releases) + 4
}

// NewNodes builds the feed nodes of the configuration in update order.
func NewNodes(feeds []detector.FeedConfig) ([]*Node, error) {
	nodes := make([]*Node, 0, len(feeds))
	seen := map[string]bool{}

	for _, f := range feeds {
		n, err := newNode(f)
		if err != nil {
			return nil, err
		}
		if seen[n.Target] {
			return nil, fmt.Errorf("feed %s configured more than once", n.Target)
		}
		seen[n.Target] = true
		nodes = append(nodes, n)
	}

	sort.SliceStable(nodes, func(i, j int) bool { return rank(nodes[i]) < rank(nodes[j]) })
	return nodes, nil
}

func newNode(f detector.FeedConfig) (*Node, error) {
	n := &Node{
		Version:        f.Version,
		URL:            f.URL,
		Path:           f.Path,
		Interval:       f.Interval,
		UpdateFromYear: f.UpdateFromYear,
	}

	switch strings.ToLower(f.Type) {
	case "ubuntu", "canonical", "debian":
		dialect, err := oval.ParseDialect(f.Type)
		if err != nil {
			return nil, err
		}
		r, ok := lookupRelease(dialect, f.Version)
		if !ok {
			return nil, fmt.Errorf("unsupported %s version '%s'", dialect, f.Version)
		}
		n.Kind = KindOVAL
		n.Dialect = dialect
		n.Target = r.target
		n.Version = r.name
		if n.URL == "" && n.Path == "" {
			if dialect == oval.Ubuntu {
				n.URL = fmt.Sprintf(CanonicalURL, r.name)
			} else {
				n.URL = fmt.Sprintf(DebianURL, r.name)
			}
		}
		n.Interval = n.Interval.Or(DefaultInterval)
		n.Allow = newSingleProvider(f.Allow)
	case "redhat":
		n.Kind = KindRedHat
		n.Target = feed.RedHatTarget
		if n.URL == "" && n.Path == "" {
			n.URL = RedHatURL
		}
		n.Interval = n.Interval.Or(DefaultInterval)
		n.Allow = newMultiProvider(f.Translation)
	case "nvd":
		n.Kind = KindNVD
		n.Target = feed.NVDTarget
		if n.URL == "" && n.Path == "" {
			n.URL = feed.NVDFeedURL
		}
		n.Interval = n.Interval.Or(DefaultNVDInterval)
		n.Allow = newMultiProvider(f.Translation)
	case "cpe-helper", "cpew", "cpe_helper":
		n.Kind = KindCPEHelper
		n.Target = feed.CPEHelperTarget
		n.Interval = n.Interval.Or(DefaultHelperInterval)
	case "msu":
		n.Kind = KindMSU
		n.Target = feed.MSUTarget
		n.Interval = n.Interval.Or(DefaultHelperInterval)
	default:
		return nil, fmt.Errorf("unknown feed type '%s'", f.Type)
	}

	if (n.Kind == KindCPEHelper || n.Kind == KindMSU) && n.URL == "" && n.Path == "" {
		return nil, fmt.Errorf("feed %s needs a url or a path", n.Target)
	}
	if n.UpdateFromYear == 0 {
		n.UpdateFromYear = DefaultFromYear
	}
	return n, nil
}

// Lookup returns the node of target.
func Lookup(nodes []*Node, target string) (*Node, bool) {
	for _, n := range nodes {
		if strings.EqualFold(n.Target, target) {
			return n, true
		}
	}
	return nil, false
}
