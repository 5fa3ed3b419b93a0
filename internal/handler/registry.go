package handler

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps module names and command names to modules.
type Registry struct {
	mu         sync.RWMutex
	modules    map[string]*Module
	commands   map[string]string
	categories map[string]Category
	syntaxes   map[string]Syntax
}

// Category groups modules for clients that present them by topic.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewRegistry() *Registry {
	r := &Registry{
		modules:    make(map[string]*Module),
		commands:   make(map[string]string),
		categories: make(map[string]Category),
		syntaxes:   make(map[string]Syntax, len(builtinSyntaxes)),
	}
	for name, fn := range builtinSyntaxes {
		r.syntaxes[name] = fn
	}
	return r
}

// DefineCategories adds categories modules may refer to. Define them before
// registering the modules that use them.
func (r *Registry) DefineCategories(cats ...Category) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cats {
		if c.Name == "" {
			c.Name = c.ID
		}
		r.categories[c.ID] = c
	}
	return r
}

// Categories returns every defined category sorted by id.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Category) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Register validates m and adds it.
func (r *Registry) Register(m *Module) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
	}
	for _, c := range m.Categories {
		if _, ok := r.categories[c]; !ok {
			return fmt.Errorf("%w: %s: %q", ErrUnknownCategory, m.Name, c)
		}
	}
	r.modules[m.Name] = m
	for name := range m.Commands {
		r.commands[name] = m.Name
	}
	for name, fn := range m.Syntaxes {
		r.syntaxes[name] = fn
	}
	return nil
}

// MustRegister panics on error; for static module tables.
func (r *Registry) MustRegister(mods ...*Module) *Registry {
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Module(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[strings.TrimSpace(name)]
	return m, ok
}

// Provider names the module that implements command.
func (r *Registry) Provider(command string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.commands[command]
	return name, ok
}

// ModuleInfo is the listing shape returned by "GET modules/list".
type ModuleInfo struct {
	Name        string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Commands    []string `json:"commands"`
	Categories  []string `json:"categories"`
}

// List returns modules sorted by name with their commands filtered by keep.
// Modules left without commands are omitted.
func (r *Registry) List(keep func(command string) bool) []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(r.modules))
	for _, m := range r.modules {
		var cmds []string
		for _, c := range m.CommandNames() {
			if keep == nil || keep(c) {
				cmds = append(cmds, c)
			}
		}
		if len(cmds) == 0 {
			continue
		}
		cats := m.Categories
		if cats == nil {
			cats = []string{}
		}
		out = append(out, ModuleInfo{Name: m.Name, Description: m.Description, Commands: cmds, Categories: cats})
	}
	slices.SortFunc(out, func(a, b ModuleInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}
