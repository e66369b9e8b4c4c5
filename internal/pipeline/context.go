package pipeline

import (
	"sort"
	"sync"
)

// Context carries values published by earlier steps to later ones.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext() *Context { return &Context{values: map[string]any{}} }

func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	c.values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// missing returns the first key in needs that has not been published.
func (c *Context) missing(needs []string) (string, bool) {
	for _, k := range needs {
		if !c.Has(k) {
			return k, true
		}
	}
	return "", false
}

// Value fetches key as a T. A missing key or a value of another type yields false.
func Value[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
