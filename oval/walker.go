package oval

import (
	"fmt"
	"log/slog"
	"strings"
)

type Info struct {
	CveID       string
	Title       string
	Severity    string
	Published   string
	Updated     string
	Reference   string
	Description string
}

type Definition struct {
	ID       string
	CveID    string
	Criteria *Criteria
}

// Vulnerability is one criterion of a definition, before its test is resolved.
type Vulnerability struct {
	CveID   string
	TestRef string
	Pending bool
}

type Test struct {
	ID        string
	ObjectRef string
	StateRef  string
}

type Object struct {
	ID        string
	Name      string
	CheckVars bool
}

type State struct {
	ID        string
	Operation string
	Value     *string
}

type Variable struct {
	ID     string
	Values []string
}

type Metadata struct {
	ProductName    string
	ProductVersion string
	SchemaVersion  string
	Timestamp      string
}

// Result is the normalized content of one OVAL document.
type Result struct {
	Target          string
	Definitions     []Definition
	Infos           []Info
	Vulnerabilities []Vulnerability
	Tests           []Test
	Objects         []Object
	States          []State
	Variables       []Variable
	Metadata        Metadata
}

const pendingSuffix = "tst:10"

type handler func(w *walker, n *Node, parent *Criteria) error

type dispatchKey struct {
	dialect Dialect
	element string
}

// dispatch is built in init since its handlers refer back to it.
var dispatch map[dispatchKey]handler

func init() {
	dispatch = buildDispatch()
}

func buildDispatch() map[dispatchKey]handler {
	table := map[dispatchKey]handler{}
	for _, d := range []Dialect{Ubuntu, Debian} {
		for _, container := range []string{
			"oval_definitions", "definitions", "objects", "variables",
			"metadata", "oval-def:metadata", "tests", "states",
			"advisory", "debian", "generator",
			"oval_repository", "oval-def:oval_repository",
			"dates", "oval-def:dates",
		} {
			table[dispatchKey{d, container}] = (*walker).children
		}

		table[dispatchKey{d, d.element("dpkginfo_state")}] = (*walker).state
		table[dispatchKey{d, d.element("dpkginfo_test")}] = (*walker).test
		table[dispatchKey{d, d.element("dpkginfo_object")}] = (*walker).object
		table[dispatchKey{d, "constant_variable"}] = (*walker).variable
		table[dispatchKey{d, "definition"}] = (*walker).definition
		table[dispatchKey{d, "reference"}] = (*walker).reference
		table[dispatchKey{d, "title"}] = (*walker).title
		table[dispatchKey{d, "description"}] = (*walker).description
		table[dispatchKey{d, "date"}] = (*walker).published
		table[dispatchKey{d, "severity"}] = (*walker).severity
		table[dispatchKey{d, "updated"}] = (*walker).updated
		table[dispatchKey{d, "criteria"}] = (*walker).criteria
		table[dispatchKey{d, "criterion"}] = (*walker).criterion
		table[dispatchKey{d, "extend_definition"}] = (*walker).extendDefinition
		table[dispatchKey{d, "oval:product_name"}] = (*walker).metadata
		table[dispatchKey{d, "oval:product_version"}] = (*walker).metadata
		table[dispatchKey{d, "oval:schema_version"}] = (*walker).metadata
		table[dispatchKey{d, "oval:timestamp"}] = (*walker).metadata
	}
	table[dispatchKey{Ubuntu, "public_date"}] = (*walker).published
	return table
}

type walker struct {
	dialect Dialect
	target  string
	log     *slog.Logger
	result  *Result

	// index of the definition being walked, -1 outside of one
	def      int
	defVulns int
}

// Normalize walks a parsed OVAL document and collects its definitions,
// tests, objects, states and variables. target is the feed tag, used for
// dialect quirks such as Debian wheezy carrying the CVE in the title.
func Normalize(root *Node, dialect Dialect, target string, log *slog.Logger) (*Result, error) {
	if dialect != Ubuntu && dialect != Debian {
		return nil, ErrUnknownDialect
	}
	if log == nil {
		log = slog.Default()
	}
	w := &walker{
		dialect: dialect,
		target:  strings.ToUpper(target),
		log:     log,
		result:  &Result{Target: strings.ToUpper(target)},
		def:     -1,
	}
	if err := w.children(root, nil); err != nil {
		return nil, err
	}
	return w.result, nil
}

func (w *walker) walk(n *Node, parent *Criteria) error {
	if n.Element == "" {
		return ErrMissingElement
	}
	h, ok := dispatch[dispatchKey{w.dialect, n.Element}]
	if !ok {
		return nil
	}
	return h(w, n, parent)
}

func (w *walker) children(n *Node, parent *Criteria) error {
	for _, child := range n.Children {
		if err := w.walk(child, parent); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) current() (*Definition, *Info) {
	if w.def < 0 {
		return nil, nil
	}
	return &w.result.Definitions[w.def], &w.result.Infos[w.def]
}

func (w *walker) definition(n *Node, _ *Criteria) error {
	if class, _ := n.Attr("class"); class != "vulnerability" {
		return nil
	}
	id, _ := n.Attr("id")
	w.result.Definitions = append(w.result.Definitions, Definition{ID: id})
	w.result.Infos = append(w.result.Infos, Info{})
	w.def = len(w.result.Definitions) - 1
	w.defVulns = len(w.result.Vulnerabilities)

	err := w.children(n, nil)

	def, info := w.current()
	if def.CveID == "" {
		def.CveID = info.CveID
	}
	for i := w.defVulns; i < len(w.result.Vulnerabilities); i++ {
		w.result.Vulnerabilities[i].CveID = def.CveID
	}
	w.def = -1
	return err
}

func (w *walker) setCve(cve string) {
	def, info := w.current()
	if info.CveID == "" {
		info.CveID = cve
	}
	if def.CveID == "" {
		def.CveID = cve
	}
}

func (w *walker) reference(n *Node, _ *Criteria) error {
	_, info := w.current()
	if info == nil {
		return nil
	}
	if url, ok := n.Attr("ref_url"); ok && info.Reference == "" {
		info.Reference = url
	}
	if id, ok := n.Attr("ref_id"); ok {
		w.setCve(id)
	}
	return nil
}

func (w *walker) title(n *Node, _ *Criteria) error {
	_, info := w.current()
	if info == nil {
		return nil
	}
	info.Title = n.Content
	if w.dialect == Debian && w.target == "WHEEZY" {
		w.setCve(n.Content)
	}
	return nil
}

func (w *walker) description(n *Node, _ *Criteria) error {
	if _, info := w.current(); info != nil {
		info.Description = n.Content
	}
	return nil
}

func (w *walker) published(n *Node, _ *Criteria) error {
	if _, info := w.current(); info != nil {
		info.Published = n.Content
	}
	return nil
}

func (w *walker) severity(n *Node, _ *Criteria) error {
	if _, info := w.current(); info != nil {
		info.Severity = n.Content
	}
	return nil
}

func (w *walker) updated(n *Node, _ *Criteria) error {
	if _, info := w.current(); info != nil {
		if date, ok := n.Attr("date"); ok {
			info.Updated = date
		}
	}
	return nil
}

func (w *walker) criteria(n *Node, parent *Criteria) error {
	def, _ := w.current()
	if def == nil {
		return nil
	}

	c := &Criteria{Operator: OperatorAnd}
	if op, ok := n.Attr("operator"); ok {
		switch op {
		case OperatorAnd, OperatorOR:
			c.Operator = op
		default:
			return fmt.Errorf("%w: %s in %s", ErrInvalidOperator, op, def.ID)
		}
	}
	c.Negate = negated(n)
	c.Comment, _ = n.Attr("comment")

	if err := w.children(n, c); err != nil {
		return err
	}

	w.attach(def, parent, c)
	return nil
}

func (w *walker) criterion(n *Node, parent *Criteria) error {
	def, _ := w.current()
	if def == nil {
		return nil
	}
	ref, ok := n.Attr("test_ref")
	if !ok {
		return nil
	}
	leaf := &Criteria{TestRef: ref, Negate: negated(n)}
	leaf.Comment, _ = n.Attr("comment")
	w.attach(def, parent, leaf)

	w.result.Vulnerabilities = append(w.result.Vulnerabilities, Vulnerability{
		TestRef: ref,
		Pending: strings.HasSuffix(ref, pendingSuffix),
	})
	return nil
}

func (w *walker) extendDefinition(n *Node, parent *Criteria) error {
	def, _ := w.current()
	if def == nil {
		return nil
	}
	ref, ok := n.Attr("definition_ref")
	if !ok {
		return nil
	}
	leaf := &Criteria{DefinitionRef: ref, Negate: negated(n)}
	leaf.Comment, _ = n.Attr("comment")
	w.attach(def, parent, leaf)
	return nil
}

// attach adds c below parent, or makes it the root of def. A second top
// level node turns the root into a conjunction of both.
func (w *walker) attach(def *Definition, parent, c *Criteria) {
	switch {
	case parent != nil:
		parent.Children = append(parent.Children, c)
	case def.Criteria == nil:
		def.Criteria = c
	default:
		def.Criteria = &Criteria{
			Operator: OperatorAnd,
			Children: []*Criteria{def.Criteria, c},
		}
	}
}

func negated(n *Node) bool {
	v, _ := n.Attr("negate")
	return v == "true"
}

func (w *walker) test(n *Node, _ *Criteria) error {
	t := Test{}
	t.ID, _ = n.Attr("id")
	for _, child := range n.Children {
		switch child.Element {
		case w.dialect.element("state"):
			if ref, ok := child.Attr("state_ref"); ok && t.StateRef == "" {
				t.StateRef = ref
			}
		case w.dialect.element("object"):
			if ref, ok := child.Attr("object_ref"); ok && t.ObjectRef == "" {
				t.ObjectRef = ref
			}
		}
	}
	w.result.Tests = append(w.result.Tests, t)
	return nil
}

func (w *walker) object(n *Node, _ *Criteria) error {
	id, ok := n.Attr("id")
	if !ok {
		return nil
	}
	o := Object{ID: id}
	for _, child := range n.Children {
		if child.Element != w.dialect.element("name") {
			continue
		}
		if child.Content != "" {
			o.Name = child.Content
			continue
		}
		ref, hasRef := child.Attr("var_ref")
		check, hasCheck := child.Attr("var_check")
		switch {
		case !hasRef || !hasCheck:
			w.log.Debug("Invalid OVAL object", "object", id, "reason", "parameters 'var_check' and 'var_ref' were expected")
		case check != "at least one":
			w.log.Debug("Invalid OVAL object", "object", id, "reason", "unexpected var_check", "var_check", check)
		default:
			o.Name = ref
			o.CheckVars = true
		}
	}
	w.result.Objects = append(w.result.Objects, o)
	return nil
}

func (w *walker) state(n *Node, _ *Criteria) error {
	id, ok := n.Attr("id")
	if !ok {
		return nil
	}
	s := State{ID: id}
	for _, child := range n.Children {
		if child.Element != w.dialect.element("evr") {
			continue
		}
		value := child.Content
		if op, ok := child.Attr("operation"); ok {
			s.Operation = op
			s.Value = &value
		} else if dt, _ := child.Attr("datatype"); dt == "version" && s.Operation == "" {
			s.Operation = "equal"
			s.Value = &value
		}
	}
	w.result.States = append(w.result.States, s)
	return nil
}

func (w *walker) variable(n *Node, _ *Criteria) error {
	id, ok := n.Attr("id")
	if !ok {
		return nil
	}
	v := Variable{ID: id}
	for _, child := range n.Children {
		if child.Element != "value" || child.Content == "" {
			break
		}
		v.Values = append(v.Values, child.Content)
	}
	w.result.Variables = append(w.result.Variables, v)
	return nil
}

func (w *walker) metadata(n *Node, _ *Criteria) error {
	m := &w.result.Metadata
	switch n.Element {
	case "oval:product_name":
		m.ProductName = n.Content
	case "oval:product_version":
		m.ProductVersion = n.Content
	case "oval:schema_version":
		m.SchemaVersion = n.Content
	case "oval:timestamp":
		m.Timestamp = n.Content
	}
	return nil
}

// Row is a criterion resolved through its test, object and state.
type Row struct {
	CveID          string
	TestRef        string
	Package        string
	CheckVars      bool
	Pending        bool
	Operation      string
	OperationValue *string
}

// Resolve joins every criterion with the test it references. Criteria whose
// test is not part of the document are dropped. An object that cannot be
// found leaves its reference as the package name; a missing state leaves the
// row without an operation.
func (r *Result) Resolve() []Row {
	tests := make(map[string]Test, len(r.Tests))
	for _, t := range r.Tests {
		tests[t.ID] = t
	}
	objects := make(map[string]Object, len(r.Objects))
	for _, o := range r.Objects {
		objects[o.ID] = o
	}
	states := make(map[string]State, len(r.States))
	for _, s := range r.States {
		states[s.ID] = s
	}

	rows := make([]Row, 0, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		t, ok := tests[v.TestRef]
		if !ok {
			continue
		}
		row := Row{
			CveID:   v.CveID,
			TestRef: v.TestRef,
			Package: t.ObjectRef,
			Pending: v.Pending,
		}
		if o, ok := objects[t.ObjectRef]; ok && o.Name != "" {
			row.Package = o.Name
			row.CheckVars = o.CheckVars
		}
		if s, ok := states[t.StateRef]; ok {
			row.Operation = s.Operation
			row.OperationValue = s.Value
		}
		rows = append(rows, row)
	}
	return rows
}
