// Package plugin hosts the provider plugin runtime: registration, dependency
// ordered initialization, typed service context, health snapshots, and
// shutdown.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ccproxy-hq/ccproxy/pkg/formats"
	"ccproxy-hq/ccproxy/pkg/proxy"
)

// State is a runtime's position in the lifecycle machine.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateInitialized
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Route binds an ingress path to a format chain served by the plugin's
// adapter.
type Route struct {
	// Method is the HTTP method, POST for all completion endpoints.
	Method string

	// Path is the ingress path.
	Path string

	// Chain is the format chain, client dialect first.
	Chain []formats.Dialect
}

// Manifest describes a plugin to the registry.
type Manifest struct {
	// Name is the unique registry key.
	Name string

	// Version is the plugin's own version string.
	Version string

	// Description is a one-line human summary.
	Description string

	// IsProvider marks plugins that expose an upstream adapter.
	IsProvider bool

	// Dependencies are plugin names that must initialize first.
	Dependencies []string

	// OptionalRequires are plugin names used when present; they impose
	// ordering but not existence.
	OptionalRequires []string

	// Routes are the ingress routes the plugin serves.
	Routes []Route
}

// Plugin is the contract every plugin implements.
type Plugin interface {
	Manifest() Manifest

	// Initialize prepares the plugin. It may resolve anything its declared
	// dependencies provided to pc.
	Initialize(ctx context.Context, pc *Context) error

	// Shutdown releases resources. Called at most once, in reverse
	// initialization order.
	Shutdown(ctx context.Context) error

	// Health reports a synchronous status snapshot.
	Health(ctx context.Context) map[string]any
}

// ProviderPlugin is a plugin that exposes an upstream HTTP adapter.
type ProviderPlugin interface {
	Plugin
	Adapter() *proxy.Adapter
}

// runtime wraps a plugin with its lifecycle state.
type runtime struct {
	plugin Plugin

	mu    sync.Mutex
	state State
}

func (r *runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Registry owns plugin runtimes.
type Registry struct {
	healthTimeout time.Duration

	mu       sync.RWMutex
	runtimes map[string]*runtime
	order    []string // topological order, valid after InitializeAll
	names    []string // registration order
}

// NewRegistry creates an empty registry. healthTimeout bounds a single
// plugin health probe; zero means 10s.
func NewRegistry(healthTimeout time.Duration) *Registry {
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	return &Registry{
		healthTimeout: healthTimeout,
		runtimes:      make(map[string]*runtime),
	}
}

// Register stores a plugin keyed by its manifest name. Duplicates fail.
func (r *Registry) Register(p Plugin) error {
	name := p.Manifest().Name
	if name == "" {
		return fmt.Errorf("plugin manifest has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.runtimes[name] = &runtime{plugin: p, state: StateCreated}
	r.names = append(r.names, name)
	return nil
}

// InitializeAll initializes every registered plugin in dependency order. A
// failure aborts the remainder and unwinds the already-initialized plugins
// in reverse order before returning the error.
func (r *Registry) InitializeAll(ctx context.Context, pc *Context) error {
	order, err := r.topoOrder()
	if err != nil {
		return err
	}

	var initialized []string
	for _, name := range order {
		rt := r.runtime(name)
		rt.setState(StateInitializing)
		if err := rt.plugin.Initialize(ctx, pc); err != nil {
			rt.setState(StateCreated)
			r.unwind(ctx, initialized)
			return fmt.Errorf("plugin %q failed to initialize: %w", name, err)
		}
		rt.setState(StateInitialized)
		initialized = append(initialized, name)
		slog.InfoContext(ctx, "plugin initialized", "plugin", name)
	}

	r.mu.Lock()
	r.order = order
	r.mu.Unlock()
	return nil
}

func (r *Registry) unwind(ctx context.Context, initialized []string) {
	for i := len(initialized) - 1; i >= 0; i-- {
		r.shutdownOne(ctx, initialized[i])
	}
}

// ShutdownAll shuts plugins down in reverse initialization order. Failures
// are logged, never propagated.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	order := r.order
	if order == nil {
		order = r.names
	}
	r.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		r.shutdownOne(ctx, order[i])
	}
}

func (r *Registry) shutdownOne(ctx context.Context, name string) {
	rt := r.runtime(name)
	if rt == nil || rt.State() != StateInitialized {
		return
	}
	rt.setState(StateShuttingDown)
	if err := rt.plugin.Shutdown(ctx); err != nil {
		slog.WarnContext(ctx, "plugin shutdown failed", "plugin", name, "error", err)
	}
	rt.setState(StateShutdown)
}

func (r *Registry) runtime(name string) *runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runtimes[name]
}

// Adapter returns the named provider plugin's HTTP adapter. The plugin must
// be initialized.
func (r *Registry) Adapter(name string) (*proxy.Adapter, error) {
	rt := r.runtime(name)
	if rt == nil {
		return nil, fmt.Errorf("plugin %q not registered", name)
	}
	if rt.State() != StateInitialized {
		return nil, fmt.Errorf("plugin %q is %s, not initialized", name, rt.State())
	}
	provider, ok := rt.plugin.(ProviderPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %q is not a provider", name)
	}
	return provider.Adapter(), nil
}

// Routes collects every initialized provider plugin's routes with its
// adapter, in topological order.
func (r *Registry) Routes() []BoundRoute {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	var bound []BoundRoute
	for _, name := range order {
		rt := r.runtime(name)
		if rt.State() != StateInitialized {
			continue
		}
		provider, ok := rt.plugin.(ProviderPlugin)
		if !ok {
			continue
		}
		for _, route := range rt.plugin.Manifest().Routes {
			bound = append(bound, BoundRoute{Route: route, Adapter: provider.Adapter()})
		}
	}
	return bound
}

// BoundRoute is a manifest route paired with the adapter serving it.
type BoundRoute struct {
	Route
	Adapter *proxy.Adapter
}

// HealthDetails probes every plugin, each bounded by the health timeout.
// The snapshot always includes initialized, enabled, and type.
func (r *Registry) HealthDetails(ctx context.Context) map[string]map[string]any {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		rt := r.runtime(name)
		manifest := rt.plugin.Manifest()

		probeCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
		details := rt.plugin.Health(probeCtx)
		cancel()

		if details == nil {
			details = make(map[string]any)
		}
		details["initialized"] = rt.State() == StateInitialized
		details["enabled"] = true
		if manifest.IsProvider {
			details["type"] = "provider"
		} else {
			details["type"] = "service"
		}
		details["state"] = rt.State().String()
		out[name] = details
	}
	return out
}

// topoOrder runs Kahn's algorithm over the dependency edges. Registration
// order breaks ties so startup is deterministic. Optional requirements only
// order plugins that are actually registered.
func (r *Registry) topoOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.names))
	dependents := make(map[string][]string)

	for _, name := range r.names {
		indegree[name] = 0
	}
	for _, name := range r.names {
		manifest := r.runtimes[name].plugin.Manifest()
		for _, dep := range manifest.Dependencies {
			if _, ok := r.runtimes[dep]; !ok {
				return nil, fmt.Errorf("plugin %q depends on unregistered plugin %q", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
		for _, dep := range manifest.OptionalRequires {
			if _, ok := r.runtimes[dep]; !ok {
				continue
			}
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
	}

	var queue []string
	for _, name := range r.names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(r.names) {
		return nil, fmt.Errorf("plugin dependency cycle detected")
	}
	return order, nil
}
