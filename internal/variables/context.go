// Package variables holds the per-execution Variable Context.
//
// A Context is owned by exactly one execution and is not synchronized:
// steps of an execution run sequentially, and no other execution ever
// sees it.
package variables

import (
	"maps"
	"strconv"
	"strings"
)

// Resolver resolves dotted variable paths. Missing paths resolve to nil.
type Resolver interface {
	Lookup(path string) any
}

// Context is the mutable key-value map an execution reads and writes.
type Context struct {
	values map[string]any
}

// New creates a context seeded with a shallow copy of initial.
func New(initial map[string]any) *Context {
	values := make(map[string]any, len(initial))
	maps.Copy(values, initial)
	return &Context{values: values}
}

// Get returns the top-level value for key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set assigns a top-level key.
func (c *Context) Set(key string, value any) {
	c.values[key] = value
}

// Merge shallow-merges out into the context. Colliding keys are overwritten.
func (c *Context) Merge(out map[string]any) {
	maps.Copy(c.values, out)
}

// Snapshot returns a shallow copy of the current variables.
func (c *Context) Snapshot() map[string]any {
	return maps.Clone(c.values)
}

// Len returns the number of top-level keys.
func (c *Context) Len() int { return len(c.values) }

// Lookup resolves a dotted path such as "shipment.legs.0.port".
func (c *Context) Lookup(path string) any {
	return LookupPath(c.values, path)
}

// Map adapts a plain map to the Resolver interface.
type Map map[string]any

// Lookup resolves a dotted path against the map.
func (m Map) Lookup(path string) any {
	return LookupPath(m, path)
}

// Overlay resolves a path against Top first and falls back to Base when the
// first segment is not present in Top.
type Overlay struct {
	Top  map[string]any
	Base Resolver
}

// Lookup implements Resolver.
func (o Overlay) Lookup(path string) any {
	head, _, _ := strings.Cut(path, ".")
	if _, ok := o.Top[path]; ok {
		return LookupPath(o.Top, path)
	}
	if _, ok := o.Top[head]; ok {
		return LookupPath(o.Top, path)
	}
	if o.Base == nil {
		return nil
	}
	return o.Base.Lookup(path)
}

// LookupPath navigates nested maps and slices using a dot-delimited path.
// A direct key hit wins, so keys containing dots stay addressable.
func LookupPath(root map[string]any, path string) any {
	if root == nil || path == "" {
		return nil
	}
	if v, ok := root[path]; ok {
		return v
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil
		}
		next, ok := step(current, seg)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func step(current any, seg string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case map[string]string:
		val, ok := v[seg]
		return val, ok
	case []any:
		i, ok := index(seg, len(v))
		if !ok {
			return nil, false
		}
		return v[i], true
	case []map[string]any:
		i, ok := index(seg, len(v))
		if !ok {
			return nil, false
		}
		return v[i], true
	case []string:
		i, ok := index(seg, len(v))
		if !ok {
			return nil, false
		}
		return v[i], true
	default:
		return nil, false
	}
}

func index(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}
