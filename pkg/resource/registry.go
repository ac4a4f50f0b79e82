package resource

import (
	"github.com/bendavis78/quilt/pkg/settings"
)

// Entry is the single live record of a declared resource.
type Entry struct {
	// Key is the composite identity.
	Key Key

	// Type is the concrete type of the first declaration.
	Type Type

	// Attrs is the effective state, resolved once at first declaration.
	Attrs Attrs

	// Sites lists the distinct declaration locations in declaration order.
	Sites []Site

	// Resource is the instance built for the first declaration and
	// returned for every later one.
	Resource Resource

	shadow bool
}

// Registry deduplicates declarations by composite key. It is not safe for
// concurrent writers; give each target its own Env.
type Registry struct {
	store   *settings.Store
	entries map[Key]*Entry
	order   []Key
}

// NewRegistry creates a registry resolving defaults from store.
func NewRegistry(store *settings.Store) *Registry {
	if store == nil {
		store = settings.New()
	}
	return &Registry{
		store:   store,
		entries: make(map[Key]*Entry),
	}
}

// Declare registers a declaration of t named name. The first declaration
// resolves the attribute cascade and calls build to create the resource;
// later declarations add their site (once per file:line), fill attributes
// the entry still has unset, and return the existing resource.
func (r *Registry) Declare(t Type, name string, site Site, kwargs Attrs, build func(*Entry) Resource) Resource {
	key := t.Key(name)

	if e, ok := r.entries[key]; ok {
		if !e.hasSite(site) {
			e.Sites = append(e.Sites, site)
		}
		for k, v := range kwargs {
			if !e.Attrs.IsSet(k) && v != nil {
				e.Attrs[k] = v
			}
		}
		return e.Resource
	}

	e := &Entry{
		Key:   key,
		Type:  t,
		Attrs: Resolve(t.Fields(), t.Sources(r.store, name, kwargs), kwargs),
		Sites: []Site{site},
	}
	r.entries[key] = e
	r.order = append(r.order, key)
	e.Resource = build(e)
	return e.Resource
}

func (e *Entry) hasSite(site Site) bool {
	for _, s := range e.Sites {
		if s.File == site.File && s.Line == site.Line {
			return true
		}
	}
	return false
}

// Lookup returns the entry for key.
func (r *Registry) Lookup(key Key) (*Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// Entries returns every entry in first-declaration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Store returns the defaults store the registry resolves against.
func (r *Registry) Store() *settings.Store {
	return r.store
}

// Reset forgets every entry.
func (r *Registry) Reset() {
	r.entries = make(map[Key]*Entry)
	r.order = nil
}
