package resource

import (
	"fmt"
	"runtime"
	"sort"
)

// Type describes a concrete resource type.
type Type struct {
	// Category is the owning subsystem (e.g., "fs", "postgresql").
	Category string

	// Name is the type name within the category (e.g., "file").
	Name string

	// Lineage lists ancestor types, least specific first. Each contributes
	// its category/type defaults before the type's own defaults.
	Lineage []Type

	// Attributes are the attribute names the type reads.
	Attributes []string
}

// String renders the type as category.name.
func (t Type) String() string {
	return t.Category + "." + t.Name
}

// Key builds the composite key of an instance of t.
func (t Type) Key(name string) Key {
	return Key{Category: t.Category, Type: t.Name, Name: name}
}

// Fields returns the union of the lineage attributes and the type's own,
// in first-seen order.
func (t Type) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	for _, anc := range t.Lineage {
		add(anc.Attributes)
	}
	add(t.Attributes)
	return out
}

// Extend derives a child type that inherits t.
func (t Type) Extend(category, name string, attributes ...string) Type {
	lineage := append(append([]Type(nil), t.Lineage...), t)
	return Type{Category: category, Name: name, Lineage: lineage, Attributes: attributes}
}

// Key is the composite (category, type, name) identity of a registry entry.
type Key struct {
	Category string
	Type     string
	Name     string
}

// String renders the key as category.type[name].
func (k Key) String() string {
	return fmt.Sprintf("%s.%s[%s]", k.Category, k.Type, k.Name)
}

// IsZero reports an empty key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Site is a declaration location supplied by the caller.
type Site struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (s Site) String() string {
	if s.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// Here returns the site of the caller skip frames above it; Here(0) is the
// line calling Here.
func Here(skip int) Site {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Site{}
	}
	return Site{File: file, Line: line}
}

// Attrs maps attribute names to values. An attribute is unset when absent
// or nil.
type Attrs map[string]any

// IsSet reports whether name holds a non-nil value.
func (a Attrs) IsSet(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// String returns a string attribute, or "" if unset or not a string.
func (a Attrs) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Bool returns a bool attribute, false if unset.
func (a Attrs) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Int returns an integer attribute. ok is false when unset or not integral.
func (a Attrs) Int(name string) (int, bool) {
	return toInt(a[name])
}

// Strings returns a list of strings attribute.
func (a Attrs) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Map returns a map attribute.
func (a Attrs) Map(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}

// Names returns the set attribute names in sorted order.
func (a Attrs) Names() []string {
	out := make([]string, 0, len(a))
	for k, v := range a {
		if v != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a shallow copy.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
