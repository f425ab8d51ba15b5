package session

import (
	"fmt"
	"slices"
	"sync"
)

// App is the code a session runs. Run is called once on the session's main
// strand; it may return while channels it opened keep the session alive.
type App interface {
	Run(c *Context) error
}

// AppFunc adapts a function to App.
type AppFunc func(c *Context) error

func (f AppFunc) Run(c *Context) error { return f(c) }

// Registry maps app names to their implementations. Sessions resolve their
// app by name once, when they are created.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]App
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]App)}
}

// Register adds app under name. Names must be unique.
func (r *Registry) Register(name string, app App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return fmt.Errorf("app name must not be empty")
	}
	if _, exists := r.apps[name]; exists {
		return fmt.Errorf("app %q already registered", name)
	}
	r.apps[name] = app
	return nil
}

// MustRegister is Register for static registrations.
func (r *Registry) MustRegister(name string, app App) {
	if err := r.Register(name, app); err != nil {
		panic(err)
	}
}

// Lookup resolves name.
func (r *Registry) Lookup(name string) (App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, &CoordinationError{Code: CodeUnknownApp, Message: fmt.Sprintf("no app named %q", name)}
	}
	return app, nil
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
