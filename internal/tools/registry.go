package tools

import (
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// MaxToolNameLength bounds tool names.
const MaxToolNameLength = 64

type entry struct {
	tool    Tool
	schema  *jsonschema.Schema
	enabled bool
}

// Registry holds the registered tools keyed by name. It is safe for
// concurrent use and read-mostly after startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool. Names are case-sensitive and unique; registering a
// name twice fails with AlreadyExists. The tool's schema is compiled here so
// a malformed schema is rejected up front.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if err := validateName(name); err != nil {
		return err
	}
	schema, err := compileSchema(name, tool.Schema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return errs.Newf(errs.AlreadyExists, "tool %q already registered", name)
	}
	r.tools[name] = &entry{tool: tool, schema: schema, enabled: true}
	return nil
}

// MustRegister is Register that panics on error, for static built-in sets.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func validateName(name string) error {
	if name == "" {
		return errs.New(errs.InvalidArgument, "tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return errs.Newf(errs.InvalidArgument, "tool name exceeds %d characters", MaxToolNameLength)
	}
	if strings.IndexFunc(name, func(r rune) bool {
		return !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) >= 0 {
		return errs.Newf(errs.InvalidArgument, "tool name %q must be alphanumeric, '_' or '-'", name)
	}
	return nil
}

// Unregister removes a tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a tool by name, enabled or not.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// SetEnabled toggles a tool. Disabled tools are omitted from Specs and
// dispatching them fails with ToolNotAllowed.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return errs.Newf(errs.NotFound, "tool %q not registered", name)
	}
	e.enabled = enabled
	return nil
}

// Enabled reports whether a registered tool is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return ok && e.enabled
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the enabled tools permitted at level, sorted by name.
func (r *Registry) Available(level models.AutonomyLevel) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		if !e.enabled {
			continue
		}
		if _, ok := EffectiveLevel(e.tool, level); !ok {
			continue
		}
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Specs returns the provider-facing specs of Available(level).
func (r *Registry) Specs(level models.AutonomyLevel) []Spec {
	available := r.Available(level)
	specs := make([]Spec, len(available))
	for i, t := range available {
		specs[i] = SpecOf(t)
	}
	return specs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes every tool. Called on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*entry)
}
