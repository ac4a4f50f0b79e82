// Package settings provides the layered defaults store consulted when
// resolving resource attributes.
//
// A Store is a tree of string keys. Leaves hold scalar defaults, inner nodes
// hold nested stores. Reading a path that does not exist creates the missing
// nodes instead of failing, so any resource package can pre-declare the
// defaults it reads without central registration:
//
//	store.Sub("fs", "file").Set("owner", "root")
//	store.Sub("fs", "file", "/etc/motd").Set("mode", 0600)
package settings

import (
	"reflect"
	"sort"
)

// Store is a nested, auto-vivifying key/value namespace.
// A Store is not safe for concurrent writers; clone it per goroutine.
type Store struct {
	values map[string]any
}

// New creates an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Get walks path and returns the value found there. Missing segments are
// created as empty stores and the final empty store is returned. If a
// non-final segment holds a scalar the walk stops and nil is returned.
func (s *Store) Get(path ...string) any {
	if len(path) == 0 {
		return s
	}

	cur := s
	for i, key := range path {
		v, ok := cur.values[key]
		if !ok {
			child := New()
			cur.values[key] = child
			cur = child
			continue
		}
		child, isStore := v.(*Store)
		if !isStore {
			if i == len(path)-1 {
				return v
			}
			return nil
		}
		cur = child
	}
	return cur
}

// Sub returns the nested store at path, creating it if needed. When a scalar
// occupies one of the segments the scalar is kept and a detached empty store
// is returned.
func (s *Store) Sub(path ...string) *Store {
	cur := s
	for _, key := range path {
		v, ok := cur.values[key]
		if !ok {
			child := New()
			cur.values[key] = child
			cur = child
			continue
		}
		child, isStore := v.(*Store)
		if !isStore {
			return New()
		}
		cur = child
	}
	return cur
}

// Set writes a leaf value. Nested maps are converted to stores.
func (s *Store) Set(key string, value any) {
	if m, ok := value.(map[string]any); ok {
		child := New()
		child.Merge(m)
		s.values[key] = child
		return
	}
	s.values[key] = value
}

// Lookup reads a single key without creating anything. Nested stores are
// reported as absent.
func (s *Store) Lookup(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if _, isStore := v.(*Store); isStore {
		return nil, false
	}
	return v, true
}

// First returns the value of the first key holding a truthy value, or nil.
func (s *Store) First(keys ...string) any {
	for _, key := range keys {
		v, ok := s.values[key]
		if ok && Truthy(v) {
			return v
		}
	}
	return nil
}

// Scalars returns a shallow copy of every non-store entry.
func (s *Store) Scalars() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		if _, isStore := v.(*Store); isStore {
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the keys of this level in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of entries at this level.
func (s *Store) Len() int {
	return len(s.values)
}

// Merge deep-merges m into the store. Nested maps merge into nested stores,
// everything else overwrites.
func (s *Store) Merge(m map[string]any) {
	for k, v := range m {
		nested, isMap := v.(map[string]any)
		if !isMap {
			s.values[k] = v
			continue
		}
		child, isStore := s.values[k].(*Store)
		if !isStore {
			child = New()
			s.values[k] = child
		}
		child.Merge(nested)
	}
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	out := New()
	for k, v := range s.values {
		switch val := v.(type) {
		case *Store:
			out.values[k] = val.Clone()
		case []any:
			out.values[k] = append([]any(nil), val...)
		case []string:
			out.values[k] = append([]string(nil), val...)
		default:
			out.values[k] = v
		}
	}
	return out
}

// ToMap converts the store back into plain nested maps.
func (s *Store) ToMap() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		if child, ok := v.(*Store); ok {
			out[k] = child.ToMap()
			continue
		}
		out[k] = v
	}
	return out
}

// Truthy reports whether v counts as set for First: nil, false, zero numbers,
// empty strings and empty containers are falsy.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if st, ok := v.(*Store); ok {
		return st.Len() > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
