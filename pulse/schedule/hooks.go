package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Hook is the work behind a scheduled action name. Implementations decode
// their own args; the runner only routes by Name.
//
// Run must be safe to repeat: an action can run twice if the process dies
// between claim and finish.
type Hook interface {
	Run(ctx context.Context, args []any) error
	Name() string
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, args []any) error
}

// Run calls Fn
func (h HookFunc) Run(ctx context.Context, args []any) error { return h.Fn(ctx, args) }

// Name returns HookName
func (h HookFunc) Name() string { return h.HookName }

// HookRegistry maps hook names to hooks.
// Thread-safe for concurrent registration and lookup.
type HookRegistry struct {
	hooks map[string]Hook
	mu    sync.RWMutex
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]Hook)}
}

// Register adds a hook under its name.
// Panics if a hook is already registered with that name.
func (r *HookRegistry) Register(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := hook.Name()
	if _, exists := r.hooks[name]; exists {
		panic(fmt.Sprintf("hook already registered for name: %s", name))
	}
	r.hooks[name] = hook
}

// Get returns the hook for name, or nil.
func (r *HookRegistry) Get(name string) Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[name]
}

// Names returns the registered hook names, sorted.
func (r *HookRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
