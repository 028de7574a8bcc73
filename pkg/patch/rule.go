package patch

import (
	"fmt"
	"strings"
)

// Rule locates one behavior and stages the patches that change it. A rule
// returns an error when it cannot find its site; it never writes to the
// image itself.
type Rule interface {
	Name() string
	Apply(ctx *Context, set *Set) error
}

type ruleFunc struct {
	name string
	fn   func(*Context, *Set) error
}

func (r ruleFunc) Name() string                       { return r.name }
func (r ruleFunc) Apply(ctx *Context, set *Set) error { return r.fn(ctx, set) }

// New wraps fn as a named rule.
func New(name string, fn func(ctx *Context, set *Set) error) Rule {
	return ruleFunc{name: name, fn: fn}
}

// Catalog is an ordered, named list of rules.
type Catalog struct {
	Name  string
	Rules []Rule
}

// Names returns the rule names in order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		names = append(names, r.Name())
	}
	return names
}

// Select returns the rules whose names are listed, keeping catalog order.
// An empty list selects everything.
func (c Catalog) Select(names ...string) ([]Rule, error) {
	if len(names) == 0 {
		return c.Rules, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []Rule
	for _, r := range c.Rules {
		if want[r.Name()] {
			out = append(out, r)
			delete(want, r.Name())
		}
	}
	for n := range want {
		return nil, fmt.Errorf("catalog %s has no rule %q", c.Name, n)
	}
	return out, nil
}

// Registry maps catalog names to constructors.
type Registry struct {
	order    []string
	catalogs map[string]func() Catalog
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{catalogs: make(map[string]func() Catalog)}
}

// Register adds a catalog constructor under name. Registering a name twice
// replaces the constructor but keeps its position.
func (r *Registry) Register(name string, fn func() Catalog) {
	name = strings.ToLower(name)
	if _, ok := r.catalogs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.catalogs[name] = fn
}

// Lookup builds the named catalog.
func (r *Registry) Lookup(name string) (Catalog, bool) {
	fn, ok := r.catalogs[strings.ToLower(name)]
	if !ok {
		return Catalog{}, false
	}
	return fn(), true
}

// Names returns the registered catalog names in registration order.
func (r *Registry) Names() []string { return r.order }
