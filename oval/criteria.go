package oval

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	OperatorAnd = "AND"
	OperatorOR  = "OR"
)

var ErrInvalidOperator = errors.New("invalid criteria operator")

// Criteria is a node of a definition's boolean expression. Inner nodes carry
// an operator and children; leaves reference a test or another definition.
type Criteria struct {
	Operator      string      `json:"op,omitempty"`
	Negate        bool        `json:"negate,omitempty"`
	TestRef       string      `json:"test,omitempty"`
	DefinitionRef string      `json:"definition,omitempty"`
	Comment       string      `json:"comment,omitempty"`
	Children      []*Criteria `json:"children,omitempty"`
}

func (c *Criteria) IsLeaf() bool {
	return c.Operator == ""
}

// TestRefs returns the test references of all leaves in document order.
func (c *Criteria) TestRefs() []string {
	var refs []string
	c.walk(func(n *Criteria) {
		if n.TestRef != "" {
			refs = append(refs, n.TestRef)
		}
	})
	return refs
}

func (c *Criteria) walk(fn func(*Criteria)) {
	if c == nil {
		return
	}
	fn(c)
	for _, child := range c.Children {
		child.walk(fn)
	}
}

func (c *Criteria) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("could not marshal criteria: %w", err)
	}
	return string(data), nil
}

func UnmarshalCriteria(data string) (*Criteria, error) {
	if data == "" {
		return nil, nil
	}
	c := &Criteria{}
	if err := json.Unmarshal([]byte(data), c); err != nil {
		return nil, fmt.Errorf("could not unmarshal criteria: %w", err)
	}
	return c, nil
}

// Truth is a three valued logic value.
type Truth int

const (
	Unknown Truth = iota
	True
	False
)

func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unknown"
}

func (t Truth) Not() Truth {
	switch t {
	case True:
		return False
	case False:
		return True
	}
	return Unknown
}

// LeafFunc evaluates a leaf of the tree.
type LeafFunc func(leaf *Criteria) Truth

// Evaluate computes the value of the tree with Kleene logic. Every leaf is
// visited, so callers may collect per leaf results in fn.
func (c *Criteria) Evaluate(fn LeafFunc) Truth {
	if c == nil {
		return Unknown
	}

	var result Truth
	if c.IsLeaf() {
		result = fn(c)
	} else {
		values := make([]Truth, 0, len(c.Children))
		for _, child := range c.Children {
			values = append(values, child.Evaluate(fn))
		}
		if c.Operator == OperatorOR {
			result = or(values)
		} else {
			result = and(values)
		}
	}

	if c.Negate {
		return result.Not()
	}
	return result
}

func and(values []Truth) Truth {
	result := True
	for _, v := range values {
		switch v {
		case False:
			return False
		case Unknown:
			result = Unknown
		}
	}
	return result
}

func or(values []Truth) Truth {
	if len(values) == 0 {
		return False
	}
	result := False
	for _, v := range values {
		switch v {
		case True:
			return True
		case Unknown:
			result = Unknown
		}
	}
	return result
}
