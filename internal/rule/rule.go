// Package rule describes pipeline steps declaratively: where a step's inputs
// come from, how its output paths are derived, what resources each job needs
// and which body runs it. Rules are registered explicitly into a Registry and
// are immutable afterwards.
package rule

import (
	"fmt"
	"strings"
)

// Kind selects how a rule expands into jobs.
type Kind int

const (
	// KindTransform produces one job per matched input.
	KindTransform Kind = iota
	// KindMerge produces a single job over every matched input.
	KindMerge
	// KindFiles produces the explicitly listed jobs.
	KindFiles
	// KindTarget is a phony aggregation point with no body and no outputs.
	KindTarget
)

var kindNames = map[Kind]string{
	KindTransform: "transform",
	KindMerge:     "merge",
	KindFiles:     "files",
	KindTarget:    "target",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown rule kind %q", s)
}

// InputKind selects how an input pattern is matched.
type InputKind int

const (
	InputPath InputKind = iota // literal path: must exist or be produced by a rule
	InputGlob                  // glob expanded once at resolution time
	InputRule                  // every output of another rule's jobs
)

func (k InputKind) String() string {
	switch k {
	case InputPath:
		return "path"
	case InputGlob:
		return "glob"
	case InputRule:
		return "rule"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// Input is one input pattern of a rule.
type Input struct {
	Kind  InputKind
	Value string
}

// Path returns a literal path input.
func Path(p string) Input { return Input{Kind: InputPath, Value: p} }

// Glob returns a glob input.
func Glob(pattern string) Input { return Input{Kind: InputGlob, Value: pattern} }

// Ref returns an input referring to the named rule's outputs.
func Ref(rule string) Input { return Input{Kind: InputRule, Value: rule} }

// From returns an input referring to a registered rule's outputs.
func From(h Handle) Input { return Ref(h.Name()) }

func (in Input) String() string {
	return in.Kind.String() + ":" + in.Value
}

// FileJob is an explicitly declared job of a files rule. A job with no
// inputs is a root job.
type FileJob struct {
	Inputs  []string
	Outputs []string
}

// Rule is a declarative transformation template.
type Rule struct {
	Name string
	Kind Kind

	Inputs      []Input
	ExtraInputs []string // literal paths added to every job, never used for output derivation
	Output      OutputSpec
	Jobs        []FileJob // files rules only

	Follows []string // order-only dependency on every job of the named rules
	Mkdir   []string // directories created before the body runs

	Resources Resources
	Params    map[string]string
	Body      TaskBody
}

// Refs returns the names of every rule this rule depends on, through rule
// inputs or follows, without duplicates.
func (r Rule) Refs() []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	for _, in := range r.Inputs {
		if in.Kind == InputRule {
			add(in.Value)
		}
	}
	for _, name := range r.Follows {
		add(name)
	}
	return refs
}

func cloneRule(r Rule) Rule {
	cp := r
	cp.Inputs = append([]Input(nil), r.Inputs...)
	cp.ExtraInputs = append([]string(nil), r.ExtraInputs...)
	cp.Follows = append([]string(nil), r.Follows...)
	cp.Mkdir = append([]string(nil), r.Mkdir...)
	cp.Output = r.Output.clone()
	if r.Jobs != nil {
		cp.Jobs = make([]FileJob, len(r.Jobs))
		for i, j := range r.Jobs {
			cp.Jobs[i] = FileJob{
				Inputs:  append([]string(nil), j.Inputs...),
				Outputs: append([]string(nil), j.Outputs...),
			}
		}
	}
	if r.Params != nil {
		cp.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			cp.Params[k] = v
		}
	}
	return cp
}
