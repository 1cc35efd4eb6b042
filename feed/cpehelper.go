package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/moznion/go-optional"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
)

const (
	CPEHelperTarget = "CPEW"

	// FormatVersion is the highest major format_version understood.
	FormatVersion = 1
)

type CPEHelperDocument struct {
	Version       optional.Option[string] `json:"version"`
	FormatVersion string                  `json:"format_version"`
	UpdateDate    string                  `json:"update_date"`
	Dictionary    []CPEHelperEntry        `json:"dictionary"`
}

type CPEHelperEntry struct {
	Target      string                     `json:"target"`
	Action      []string                   `json:"action"`
	Source      map[string]json.RawMessage `json:"source"`
	Translation map[string]json.RawMessage `json:"translation"`
}

type CPEHelperResult struct {
	FormatVersion string
	UpdateDate    string
	Version       string
	Rules         []cpe.Rule
}

// ParseCPEHelper decodes the CPE helper dictionary. It returns ErrNotNeeded
// when update_date equals stored.
func ParseCPEHelper(r io.Reader, stored string, w *Warnings) (*CPEHelperResult, error) {
	doc := CPEHelperDocument{}
	if err := json.NewDecoder(StripComments(r)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not decode cpe helper: %w", err)
	}

	if doc.UpdateDate == "" {
		return nil, fmt.Errorf("cpe helper without update_date")
	}
	if doc.UpdateDate == stored {
		return nil, ErrNotNeeded
	}

	major, err := formatMajor(doc.FormatVersion)
	if err != nil {
		return nil, err
	}
	if major < 1 || major > FormatVersion {
		return nil, fmt.Errorf("unsupported cpe helper format version '%s'", doc.FormatVersion)
	}

	result := &CPEHelperResult{
		FormatVersion: doc.FormatVersion,
		UpdateDate:    doc.UpdateDate,
		Version:       doc.Version.TakeOr(""),
	}

	for i, entry := range doc.Dictionary {
		if entry.Target == "" {
			w.record("CPE helper entry without target", strconv.Itoa(i))
			continue
		}

		action, unknown := cpe.ParseActions(entry.Action)
		for _, name := range unknown {
			w.action("Unknown CPE helper action", name)
		}

		rule := cpe.Rule{Target: entry.Target, Action: action}
		decodeSection(entry.Source, &rule.Source, validPattern, w)
		decodeSection(entry.Translation, &rule.Translation, validTerm, w)
		if entry.Source[cpe.FieldVendor] != nil && len(rule.Source.Vendor) == 0 {
			rule.Source.Vendor = [][]string{{""}}
		}
		result.Rules = append(result.Rules, rule)
	}

	return result, nil
}

func formatMajor(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("cpe helper without format_version")
	}
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid cpe helper format version '%s': %w", v, err)
	}
	return n, nil
}

func validPattern(s string) error {
	if s == "" {
		return nil
	}
	_, err := regexp.Compile(s)
	return err
}

func validTerm(s string) error {
	_, err := cpe.ParseTerm(s)
	return err
}

// decodeSection fills a section from its JSON fields. Each entry of a field
// is either a single string or an array of alternatives.
func decodeSection(raw map[string]json.RawMessage, section *cpe.Section, valid func(string) error, w *Warnings) {
	for name, value := range raw {
		field := section.Field(name)
		if field == nil {
			w.tag("Invalid CPE helper tag", name)
			continue
		}

		var entries []json.RawMessage
		if err := json.Unmarshal(value, &entries); err != nil {
			w.record("CPE helper field is not an array", name)
			continue
		}

		for _, entry := range entries {
			alternatives, ok := decodeAlternatives(entry)
			if !ok {
				w.record("Invalid CPE helper entry type", string(entry))
				continue
			}
			kept := alternatives[:0]
			for _, alt := range alternatives {
				if err := valid(alt); err != nil {
					w.record("Invalid CPE helper term", alt)
					continue
				}
				kept = append(kept, alt)
			}
			if len(kept) == 0 {
				continue
			}
			*field = append(*field, kept)
		}
	}
}

func decodeAlternatives(raw json.RawMessage) ([]string, bool) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, true
	}
	var many []json.RawMessage
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, false
	}
	alternatives := make([]string, 0, len(many))
	for _, item := range many {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		alternatives = append(alternatives, s)
	}
	return alternatives, len(alternatives) > 0
}

// StripComments drops the lines starting with '=' that the helper file uses
// as separators.
func StripComments(r io.Reader) io.Reader {
	out := &bytes.Buffer{}
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if !strings.HasPrefix(line, "=") {
			out.WriteString(line)
		}
		if err != nil {
			break
		}
	}
	return out
}

// CPEHelperTimestamp scans the raw document for its update_date value
// without decoding it.
func CPEHelperTimestamp(data []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "update_date")
		if idx < 0 {
			continue
		}
		_, rest, ok := strings.Cut(line[idx:], ":")
		if !ok {
			continue
		}
		_, rest, ok = strings.Cut(rest, "\"")
		if !ok {
			continue
		}
		value, _, ok := strings.Cut(rest, "\"")
		if ok {
			return value, true
		}
	}
	return "", false
}
