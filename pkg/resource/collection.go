package resource

import (
	"context"
	"iter"
)

// Collection is an ordered group of resources and nested collections.
// Operations run sequentially in declaration order and stop at the first
// error.
type Collection struct {
	items []member
}

type member struct {
	res  Resource
	coll *Collection
}

// NewCollection creates a collection holding items.
func NewCollection(items ...Resource) *Collection {
	c := &Collection{}
	c.Add(items...)
	return c
}

// Add appends resources. A *Collection passed as a Resource is nested.
func (c *Collection) Add(items ...Resource) {
	for _, item := range items {
		if nested, ok := item.(*Collection); ok {
			c.Extend(nested)
			continue
		}
		if item != nil {
			c.items = append(c.items, member{res: item})
		}
	}
}

// Extend nests other; it is flattened in place by All.
func (c *Collection) Extend(other *Collection) {
	if other != nil && other != c {
		c.items = append(c.items, member{coll: other})
	}
}

// All yields every resource depth first.
func (c *Collection) All() iter.Seq[Resource] {
	return func(yield func(Resource) bool) {
		c.walk(yield)
	}
}

func (c *Collection) walk(yield func(Resource) bool) bool {
	for _, m := range c.items {
		if m.coll != nil {
			if !m.coll.walk(yield) {
				return false
			}
			continue
		}
		if !yield(m.res) {
			return false
		}
	}
	return true
}

// Resources returns the flattened resources.
func (c *Collection) Resources() []Resource {
	var out []Resource
	for r := range c.All() {
		out = append(out, r)
	}
	return out
}

// Len returns the number of flattened resources.
func (c *Collection) Len() int {
	n := 0
	for range c.All() {
		n++
	}
	return n
}

// Key identifies a collection in logs; collections are never registered.
func (c *Collection) Key() Key {
	return Key{Category: "resource", Type: "collection"}
}

// Clean cleans every resource.
func (c *Collection) Clean() error {
	for r := range c.All() {
		if err := r.Clean(); err != nil {
			return err
		}
	}
	return nil
}

// Ensure converges every resource.
func (c *Collection) Ensure(ctx context.Context) error {
	for r := range c.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Ensure(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Remove removes every resource.
func (c *Collection) Remove(ctx context.Context) error {
	for r := range c.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Remove(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether every resource exists.
func (c *Collection) Exists(ctx context.Context) (bool, error) {
	for r := range c.All() {
		ok, err := r.Exists(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
