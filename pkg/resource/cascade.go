package resource

import (
	"github.com/bendavis78/quilt/pkg/settings"
)

// AttributeSource is one layer of the attribute cascade.
type AttributeSource interface {
	Lookup(name string) (any, bool)
}

// StoreSource reads scalars from one node of the defaults store.
type StoreSource struct {
	Store *settings.Store
}

// Lookup implements AttributeSource.
func (s StoreSource) Lookup(name string) (any, bool) {
	if s.Store == nil {
		return nil, false
	}
	return s.Store.Lookup(name)
}

// MapSource reads from explicit declaration attributes.
type MapSource Attrs

// Lookup implements AttributeSource. Nil values count as absent so an
// explicit None does not mask a default.
func (m MapSource) Lookup(name string) (any, bool) {
	v, ok := m[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Sources returns the cascade for an instance of t, lowest precedence
// first: lineage defaults, the type's defaults, defaults for this instance
// name, then the declaration's own attributes.
func (t Type) Sources(store *settings.Store, name string, kwargs Attrs) []AttributeSource {
	sources := make([]AttributeSource, 0, len(t.Lineage)+3)
	for _, anc := range t.Lineage {
		sources = append(sources, StoreSource{Store: store.Sub(anc.Category, anc.Name)})
	}
	sources = append(sources,
		StoreSource{Store: store.Sub(t.Category, t.Name)},
		StoreSource{Store: store.Sub(t.Category, t.Name, name)},
		MapSource(kwargs),
	)
	return sources
}

// Resolve computes the effective attributes for fields. For each field the
// highest-precedence source holding a value wins. Every key of kwargs is
// kept even when it is not a declared field.
func Resolve(fields []string, sources []AttributeSource, kwargs Attrs) Attrs {
	out := make(Attrs, len(fields)+len(kwargs))
	for _, field := range fields {
		for i := len(sources) - 1; i >= 0; i-- {
			if v, ok := sources[i].Lookup(field); ok {
				out[field] = v
				break
			}
		}
	}
	for k, v := range kwargs {
		if _, done := out[k]; !done && v != nil {
			out[k] = v
		}
	}
	return out
}
