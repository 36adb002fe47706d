package plugin

import (
	"fmt"
	"reflect"
	"sync"
)

// Context is the service registry handed to plugins at initialization.
// Services are indexed by their static type; the named lookups exist so a
// plugin can fetch a collaborator without importing its concrete type.
type Context struct {
	mu       sync.RWMutex
	services map[reflect.Type]any
	named    map[string]any
}

// NewContext returns an empty service context.
func NewContext() *Context {
	return &Context{
		services: make(map[reflect.Type]any),
		named:    make(map[string]any),
	}
}

// Provide registers a service under its static type. Registering the same
// type twice replaces the earlier value.
func Provide[T any](c *Context, service T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[reflect.TypeOf((*T)(nil)).Elem()] = service
}

// Resolve fetches a service by static type.
func Resolve[T any](c *Context) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.services[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustResolve is Resolve for wiring paths where absence is a programming
// error.
func MustResolve[T any](c *Context) T {
	v, ok := Resolve[T](c)
	if !ok {
		panic(fmt.Sprintf("plugin context missing service %v", reflect.TypeOf((*T)(nil)).Elem()))
	}
	return v
}

// SetNamed registers a service under a string key.
func (c *Context) SetNamed(name string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.named[name] = service
}

// Named fetches a service by string key.
func (c *Context) Named(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.named[name]
	return v, ok
}
