package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Pack is a registration bundle of related actions sharing the first dotted
// segment of their names.
type Pack struct {
	Name    string
	entries []packEntry
}

type packEntry struct {
	desc    *ActionDescriptor
	handler HandlerFunc
}

// NewPack creates an empty pack.
func NewPack(name string) *Pack {
	return &Pack{Name: name}
}

// Register adds an action to the pack. Validation happens at registry build.
func (p *Pack) Register(desc *ActionDescriptor, handler HandlerFunc) *Pack {
	p.entries = append(p.entries, packEntry{desc: desc, handler: handler})
	return p
}

// Actions returns the pack's descriptors.
func (p *Pack) Actions() []*ActionDescriptor {
	out := make([]*ActionDescriptor, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.desc)
	}
	return out
}

type registeredAction struct {
	desc    *ActionDescriptor
	handler HandlerFunc
	schema  *jsonschema.Schema
}

// Registry is the immutable action table built once at kernel boot. The meta
// pack's view of the global action list is set exactly once per build.
type Registry struct {
	actions     map[string]*registeredAction
	descriptors []*ActionDescriptor
	packs       []string
}

// BuildRegistry merges the built-in meta pack with user packs, enforces
// unique action names, checks pack naming, and compiles parameter schemas.
func BuildRegistry(packs ...*Pack) (*Registry, error) {
	r := &Registry{actions: make(map[string]*registeredAction)}

	all := append([]*Pack{}, packs...)
	for _, p := range all {
		for _, e := range p.entries {
			if err := r.add(p.Name, e); err != nil {
				return nil, err
			}
		}
		r.packs = append(r.packs, p.Name)
	}

	// The meta pack closes over the finished registry; registered last so its
	// actions are subject to the same uniqueness rule.
	meta := metaPack(r)
	for _, e := range meta.entries {
		if err := r.add(meta.Name, e); err != nil {
			return nil, err
		}
	}
	r.packs = append(r.packs, meta.Name)

	sort.Slice(r.descriptors, func(i, j int) bool {
		return r.descriptors[i].Name < r.descriptors[j].Name
	})
	sort.Strings(r.packs)
	return r, nil
}

func (r *Registry) add(packName string, e packEntry) error {
	desc := e.desc
	if desc == nil || desc.Name == "" {
		return fmt.Errorf("registry: pack %s registered an unnamed action", packName)
	}
	if desc.Pack() != packName {
		return fmt.Errorf("registry: action %s does not belong to pack %s", desc.Name, packName)
	}
	if desc.Scope == "" {
		return fmt.Errorf("registry: action %s has no required scope", desc.Name)
	}
	if desc.SupportsDryRun && !desc.Kind.Mutation() {
		return fmt.Errorf("registry: action %s declares dry-run but is not a mutation", desc.Name)
	}
	if _, exists := r.actions[desc.Name]; exists {
		return fmt.Errorf("registry: duplicate action name %s", desc.Name)
	}
	if e.handler == nil {
		return fmt.Errorf("registry: action %s has no handler", desc.Name)
	}

	schema, err := compileParamSchema(desc.Name, desc.Params)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	r.actions[desc.Name] = &registeredAction{desc: desc, handler: e.handler, schema: schema}
	r.descriptors = append(r.descriptors, desc)
	return nil
}

// Lookup returns the descriptor and handler for an action name.
func (r *Registry) Lookup(name string) (*ActionDescriptor, HandlerFunc, bool) {
	a, ok := r.actions[name]
	if !ok {
		return nil, nil, false
	}
	return a.desc, a.handler, true
}

// ValidateParams validates params against the action's compiled schema.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	a, ok := r.actions[name]
	if !ok {
		return fmt.Errorf("unknown action: %s", name)
	}
	return validateParams(a.schema, params)
}

// Descriptors returns all registered actions sorted by name.
func (r *Registry) Descriptors() []*ActionDescriptor {
	return r.descriptors
}

// Packs returns the registered pack names sorted.
func (r *Registry) Packs() []string {
	return r.packs
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	return len(r.actions)
}

// metaPack builds the discovery pack over a finished registry.
func metaPack(r *Registry) *Pack {
	p := NewPack("meta")

	p.Register(&ActionDescriptor{
		Name:        "meta.actions",
		Scope:       "manage.read",
		Description: "List all registered actions and their parameter schemas.",
		Kind:        ActionRead,
	}, func(ctx context.Context, actx *ActionContext, params map[string]interface{}) (*HandlerResult, error) {
		return &HandlerResult{Data: map[string]interface{}{
			"actions":       r.Descriptors(),
			"api_version":   APIVersion,
			"total_actions": r.Len(),
		}}, nil
	})

	p.Register(&ActionDescriptor{
		Name:        "meta.version",
		Scope:       "manage.read",
		Description: "Report API and schema versions.",
		Kind:        ActionRead,
	}, func(ctx context.Context, actx *ActionContext, params map[string]interface{}) (*HandlerResult, error) {
		return &HandlerResult{Data: map[string]interface{}{
			"api_version":    APIVersion,
			"schema_version": 1,
			"actions_count":  r.Len(),
		}}, nil
	})

	return p
}

// packFromAction derives the pack name from a dotted action name; used by the
// legacy audit shim which receives only the action string.
func packFromAction(action string) string {
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}
