package oval

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrMissingElement = errors.New("xml node without element name")

// Node is a generic XML element. Element and attribute names keep their
// namespace prefix as written in the document.
type Node struct {
	Element  string
	Attrs    []Attr
	Content  string
	Children []*Node
}

type Attr struct {
	Name  string
	Value string
}

// Attr returns the value of the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func qualified(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

// Parse reads a document into a tree rooted at a synthetic node whose
// children are the top level elements.
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	root := &Node{}
	stack := []*Node{root}
	var text strings.Builder

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("could not parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			element := qualified(t.Name)
			if element == "" {
				return nil, ErrMissingElement
			}
			n := &Node{Element: element}
			for _, a := range t.Attr {
				n.Attrs = append(n.Attrs, Attr{Name: qualified(a.Name), Value: a.Value})
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, n)
			stack = append(stack, n)
			text.Reset()
		case xml.EndElement:
			if len(stack) == 1 {
				return nil, fmt.Errorf("could not parse xml: unexpected end element %s", qualified(t.Name))
			}
			current := stack[len(stack)-1]
			if current.Element != qualified(t.Name) {
				return nil, fmt.Errorf("could not parse xml: element %s closed by %s", current.Element, qualified(t.Name))
			}
			if len(current.Children) == 0 {
				current.Content = strings.TrimSpace(text.String())
			}
			text.Reset()
			stack = stack[:len(stack)-1]
		case xml.CharData:
			text.Write(t)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("could not parse xml: unclosed element %s", stack[len(stack)-1].Element)
	}
	return root, nil
}
