package rule

import "sync"

// Handle identifies a registered rule. It is the only way to chain one rule
// onto another from code; see From.
type Handle struct {
	name string
}

// Name returns the rule name.
func (h Handle) Name() string { return h.name }

// Input returns an input consuming this rule's outputs.
func (h Handle) Input() Input { return Ref(h.name) }

// Registry holds registered rules in registration order. It is passed
// explicitly to the resolver; there is no package-level registry.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register validates a rule and stores a private copy of it. Rule references
// may name rules that are registered later; unknown references surface when
// the registry is resolved.
func (r *Registry) Register(rl Rule) (Handle, error) {
	cp := cloneRule(rl)
	if err := validate(&cp); err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[cp.Name]; exists {
		return Handle{}, invalid(cp.Name, "name", "already registered")
	}
	r.rules[cp.Name] = cp
	r.order = append(r.order, cp.Name)
	return Handle{name: cp.Name}, nil
}

// Rule returns a copy of the named rule.
func (r *Registry) Rule(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rl, ok := r.rules[name]
	if !ok {
		return Rule{}, false
	}
	return cloneRule(rl), true
}

// Rules returns copies of every rule in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, cloneRule(r.rules[name]))
	}
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
