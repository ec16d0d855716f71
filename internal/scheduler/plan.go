package scheduler

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/ruleflow/internal/rule"
)

// Plan resolves the registry and returns the part of the DAG needed to build
// the targets. A target is a rule name, a job ID or an output path.
// Unresolved rules only abort the plan when a target depends on them.
func (r *Resolver) Plan(reg *rule.Registry, targets ...string) (*DAG, error) {
	dag, err := r.Resolve(reg)
	var rerr *ResolveError
	if err != nil && !errors.As(err, &rerr) {
		return nil, err
	}
	if len(targets) == 0 {
		if rerr != nil {
			return nil, rerr
		}
		return dag, nil
	}

	var jobIDs, ruleNames []string
	for _, target := range targets {
		ids, rules, err := findTarget(dag, reg, rerr, target)
		if err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, ids...)
		ruleNames = append(ruleNames, rules...)
	}

	if rerr != nil {
		closure := ruleClosure(reg, ruleNames)
		var blocking []*UnresolvedError
		for _, u := range rerr.Unresolved {
			if closure[u.Rule] {
				blocking = append(blocking, u)
			}
		}
		if len(blocking) > 0 {
			return nil, &ResolveError{Unresolved: blocking}
		}
	}

	return dag.Subgraph(dedupe(jobIDs))
}

// Downstream resolves the registry and returns the DAG together with the
// IDs of the targets' jobs and every job that depends on them, in
// dependency order. Unresolved rules are tolerated: their jobs do not exist
// and so have nothing downstream.
func (r *Resolver) Downstream(reg *rule.Registry, targets ...string) (*DAG, []string, error) {
	dag, err := r.Resolve(reg)
	var rerr *ResolveError
	if err != nil && !errors.As(err, &rerr) {
		return nil, nil, err
	}

	keep := make(map[string]bool)
	for _, target := range targets {
		ids, _, err := findTarget(dag, reg, rerr, target)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range ids {
			keep[id] = true
			for _, d := range dag.Descendants(id) {
				keep[d] = true
			}
		}
	}

	order, err := dag.Validate()
	if err != nil {
		return nil, nil, err
	}
	var out []string
	for _, id := range order {
		if keep[id] {
			out = append(out, id)
		}
	}
	return dag, out, nil
}

func findTarget(dag *DAG, reg *rule.Registry, rerr *ResolveError, target string) ([]string, []string, error) {
	if _, ok := reg.Rule(target); ok {
		if rerr != nil && rerr.Has(target) {
			return nil, []string{target}, nil
		}
		var ids []string
		for _, job := range dag.Jobs() {
			if job.Rule == target {
				ids = append(ids, job.ID)
			}
		}
		return ids, []string{target}, nil
	}

	if job, ok := dag.Get(target); ok {
		return []string{job.ID}, []string{job.Rule}, nil
	}

	clean := filepath.Clean(target)
	for _, job := range dag.Jobs() {
		for _, out := range job.Outputs {
			if out == clean {
				return []string{job.ID}, []string{job.Rule}, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: %q is not a rule, job or output", ErrUnknownTarget, target)
}

// ruleClosure returns the named rules and every rule they reference,
// transitively.
func ruleClosure(reg *rule.Registry, names []string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), names...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if rl, ok := reg.Rule(cur); ok {
			stack = append(stack, rl.Refs()...)
		}
	}
	return seen
}
