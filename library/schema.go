package library

import (
	"fmt"
	"strings"
)

// Alias is an alias annotation on a tensor type, e.g. the "a!" in Tensor(a!).
type Alias struct {
	Set   string
	Write bool
}

// Type is an argument or return type. Base is the element type ("Tensor",
// "int", "float", ...); List marks a trailing "[]"; Optional a trailing "?".
type Type struct {
	Base     string
	List     bool
	Optional bool
	Alias    *Alias
}

// IsTensor reports whether the type carries a single tensor.
func (t Type) IsTensor() bool { return t.Base == "Tensor" && !t.List }

func (t Type) String() string {
	var b strings.Builder
	b.WriteString(t.Base)
	if t.Alias != nil {
		b.WriteString("(")
		b.WriteString(t.Alias.Set)
		if t.Alias.Write {
			b.WriteString("!")
		}
		b.WriteString(")")
	}
	if t.List {
		b.WriteString("[]")
	}
	if t.Optional {
		b.WriteString("?")
	}
	return b.String()
}

// Argument is a named, typed slot of a schema. Returns may be unnamed.
type Argument struct {
	Name    string
	Type    Type
	Default string
	KwOnly  bool
}

func (a Argument) String() string {
	s := a.Type.String()
	if a.Name != "" {
		s += " " + a.Name
	}
	if a.Default != "" {
		s += "=" + a.Default
	}
	return s
}

// Schema is a parsed operator signature:
//
//	ns::name[.overload](Type name, ...) -> Ret
type Schema struct {
	Namespace string
	Name      string
	Overload  string
	Arguments []Argument
	Returns   []Argument
	// TupleReturn records whether Returns was written in parentheses.
	TupleReturn bool
}

// QualifiedName returns "ns::name".
func (s *Schema) QualifiedName() string {
	return s.Namespace + "::" + s.Name
}

// OverloadName returns the overload, "default" when none was given.
func (s *Schema) OverloadName() string {
	if s.Overload == "" {
		return DefaultOverload
	}
	return s.Overload
}

// Mutates reports whether argument i is declared as written to.
func (s *Schema) Mutates(i int) bool {
	a := s.Arguments[i].Type.Alias
	return a != nil && a.Write
}

func (s *Schema) String() string {
	var b strings.Builder
	b.WriteString(s.QualifiedName())
	if s.Overload != "" {
		b.WriteString(".")
		b.WriteString(s.Overload)
	}
	b.WriteString("(")
	kw := false
	for i, a := range s.Arguments {
		if i > 0 {
			b.WriteString(", ")
		}
		if a.KwOnly && !kw {
			b.WriteString("*, ")
			kw = true
		}
		b.WriteString(a.String())
	}
	b.WriteString(") -> ")
	if !s.TupleReturn && len(s.Returns) == 1 {
		b.WriteString(s.Returns[0].String())
		return b.String()
	}
	b.WriteString("(")
	for i, r := range s.Returns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteString(")")
	return b.String()
}

// ParseSchema parses an operator signature such as
//
//	extension_cpp::lltm_forward(Tensor input, Tensor weights) -> (Tensor, Tensor)
func ParseSchema(src string) (*Schema, error) {
	src = strings.TrimSpace(src)
	open := strings.Index(src, "(")
	if open < 0 {
		return nil, fmt.Errorf("schema %q: missing argument list", src)
	}
	closeIdx, err := matchParen(src, open)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", src, err)
	}

	s := &Schema{}
	name := strings.TrimSpace(src[:open])
	ns, rest, ok := strings.Cut(name, "::")
	if !ok || ns == "" || rest == "" {
		return nil, fmt.Errorf("schema %q: name must be of the form namespace::name", src)
	}
	s.Namespace = ns
	s.Name, s.Overload, _ = strings.Cut(rest, ".")
	if !isIdent(s.Namespace) || !isIdent(s.Name) || (s.Overload != "" && !isIdent(s.Overload)) {
		return nil, fmt.Errorf("schema %q: invalid operator name %q", src, name)
	}

	kwOnly := false
	for _, part := range splitTop(src[open+1 : closeIdx]) {
		if part == "*" {
			kwOnly = true
			continue
		}
		arg, err := parseArgument(part, true)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", src, err)
		}
		arg.KwOnly = kwOnly
		s.Arguments = append(s.Arguments, arg)
	}

	tail := strings.TrimSpace(src[closeIdx+1:])
	ret, ok := strings.CutPrefix(tail, "->")
	if !ok {
		return nil, fmt.Errorf("schema %q: missing return type", src)
	}
	ret = strings.TrimSpace(ret)
	if strings.HasPrefix(ret, "(") {
		end, err := matchParen(ret, 0)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", src, err)
		}
		if end != len(ret)-1 {
			return nil, fmt.Errorf("schema %q: trailing characters after return type", src)
		}
		s.TupleReturn = true
		for _, part := range splitTop(ret[1:end]) {
			r, err := parseArgument(part, false)
			if err != nil {
				return nil, fmt.Errorf("schema %q: %w", src, err)
			}
			s.Returns = append(s.Returns, r)
		}
		return s, nil
	}
	r, err := parseArgument(ret, false)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", src, err)
	}
	s.Returns = []Argument{r}
	return s, nil
}

func parseArgument(src string, needName bool) (Argument, error) {
	var a Argument
	src = strings.TrimSpace(src)
	if def, val, ok := strings.Cut(src, "="); ok {
		if !needName {
			return a, fmt.Errorf("return %q cannot have a default", src)
		}
		src, a.Default = strings.TrimSpace(def), strings.TrimSpace(val)
	}
	typ, name := src, ""
	if i := strings.LastIndexAny(src, " \t"); i >= 0 {
		typ, name = strings.TrimSpace(src[:i]), src[i+1:]
	}
	if needName && name == "" {
		return a, fmt.Errorf("argument %q has no name", src)
	}
	if name != "" && !isIdent(name) {
		return a, fmt.Errorf("invalid argument name %q", name)
	}
	t, err := parseType(typ)
	if err != nil {
		return a, err
	}
	a.Name, a.Type = name, t
	return a, nil
}

func parseType(src string) (Type, error) {
	var t Type
	if s, ok := strings.CutSuffix(src, "?"); ok {
		t.Optional, src = true, s
	}
	if s, ok := strings.CutSuffix(src, "[]"); ok {
		t.List, src = true, s
	}
	if open := strings.Index(src, "("); open >= 0 {
		if !strings.HasSuffix(src, ")") {
			return t, fmt.Errorf("malformed alias annotation in %q", src)
		}
		ann := src[open+1 : len(src)-1]
		set, write := strings.CutSuffix(ann, "!")
		if !isIdent(set) {
			return t, fmt.Errorf("malformed alias annotation in %q", src)
		}
		t.Alias = &Alias{Set: set, Write: write}
		src = src[:open]
	}
	if !isIdent(src) {
		return t, fmt.Errorf("unknown type %q", src)
	}
	if t.Alias != nil && src != "Tensor" {
		return t, fmt.Errorf("alias annotation on non-tensor type %q", src)
	}
	t.Base = src
	return t, nil
}

func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses")
}

// splitTop splits on commas outside parentheses and brackets.
func splitTop(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		parts = append(parts, last)
	}
	return parts
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
