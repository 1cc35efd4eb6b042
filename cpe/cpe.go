// Package cpe models Common Platform Enumeration identifiers, generates them
// for operating systems and installed packages, and applies dictionary rules
// that correct raw inventory fields.
package cpe

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PartApplication     = "a"
	PartOperatingSystem = "o"
	PartHardware        = "h"
)

// CPE is a structured identifier. Its raw form is always derived from the
// fields by String, never stored separately.
type CPE struct {
	Part      string `json:"part"`
	Vendor    string `json:"vendor"`
	Product   string `json:"product"`
	Version   string `json:"version,omitempty"`
	Update    string `json:"update,omitempty"`
	Edition   string `json:"edition,omitempty"`
	Language  string `json:"language,omitempty"`
	SwEdition string `json:"sw_edition,omitempty"`
	TargetSw  string `json:"target_sw,omitempty"`
	TargetHw  string `json:"target_hw,omitempty"`
	Other     string `json:"other,omitempty"`

	MsuName     string `json:"msu_name,omitempty"`
	CheckHotfix bool   `json:"check_hotfix,omitempty"`
}

// String returns the colon joined raw form, part first.
func (c CPE) String() string {
	part := c.Part
	if len(part) > 1 {
		part = part[:1]
	}
	return strings.Join([]string{
		part,
		c.Vendor,
		c.Product,
		c.Version,
		c.Update,
		c.Edition,
		c.Language,
		c.SwEdition,
		c.TargetSw,
		c.TargetHw,
		c.Other,
	}, ":")
}

// URI returns the CPE 2.3 formatted string. Empty fields become wildcards.
func (c CPE) URI() string {
	fields := []string{
		c.Part, c.Vendor, c.Product, c.Version, c.Update, c.Edition,
		c.Language, c.SwEdition, c.TargetSw, c.TargetHw, c.Other,
	}
	for i, f := range fields {
		if f == "" {
			fields[i] = "*"
			continue
		}
		fields[i] = quote(f)
	}
	return "cpe:2.3:" + strings.Join(fields, ":")
}

// ParseRaw parses the colon joined raw form produced by String.
func ParseRaw(raw string) (CPE, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 11 {
		return CPE{}, fmt.Errorf("invalid raw cpe '%s', must have 11 components, found %d", raw, len(parts))
	}
	c := CPE{}
	c.assign(parts)
	return c, nil
}

// ParseURI parses a "cpe:2.3:" formatted string.
func ParseURI(uri string) (c CPE, err error) {
	err = c.fromURI(uri)
	return c, err
}

func (c *CPE) fromURI(uri string) error {
	if !strings.HasPrefix(uri, "cpe:2.3:") {
		return fmt.Errorf("invalid format, must start with 'cpe:2.3:', received: '%s'", uri)
	}
	parts := splitEscaped(uri)

	if len(parts) < 13 {
		return fmt.Errorf("invalid format, must have 13 components, found %d components", len(parts))
	}

	fields := make([]string, 0, 11)
	for _, p := range parts[2:13] {
		if p == "*" {
			p = ""
		}
		fields = append(fields, unquote(p))
	}
	c.assign(fields)

	return nil
}

func (c *CPE) assign(f []string) {
	c.Part = f[0]
	c.Vendor = f[1]
	c.Product = f[2]
	c.Version = f[3]
	c.Update = f[4]
	c.Edition = f[5]
	c.Language = f[6]
	c.SwEdition = f[7]
	c.TargetSw = f[8]
	c.TargetHw = f[9]
	c.Other = f[10]
}

var _ json.Unmarshaler = (*CPE)(nil)

// UnmarshalJSON accepts either a "cpe:2.3:" string or a raw string.
func (c *CPE) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		type plain CPE
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*c = CPE(p)
		return nil
	}

	if strings.HasPrefix(s, "cpe:2.3:") {
		return c.fromURI(s)
	}
	parsed, err := ParseRaw(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// splitEscaped splits on ':' while keeping backslash escaped colons.
func splitEscaped(s string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune('\\')
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}

func unquote(v string) string {
	var unquoted strings.Builder

	for _, r := range v {
		if r == '\\' {
			continue
		}
		unquoted.WriteRune(r)
	}

	return unquoted.String()
}

func quote(v string) string {
	var quoted strings.Builder

	for _, r := range v {
		if r == ':' {
			quoted.WriteRune('\\')
		}
		quoted.WriteRune(r)
	}

	return quoted.String()
}
