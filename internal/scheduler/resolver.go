package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/rule"
	"github.com/gammazero/toposort"
)

// Resolver expands registered rules against the filesystem into a DAG of
// concrete jobs.
type Resolver struct {
	Dir    string // root for globs and existence checks; relative paths stay relative
	Logger *slog.Logger
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(dir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Dir: dir, Logger: logger}
}

// source is a resolved input path and, for rule references, the job that
// produces it.
type source struct {
	path     string
	producer string
}

type expansion struct {
	rules      []rule.Rule
	byName     map[string]rule.Rule
	jobs       map[string][]*Job // rule name -> jobs in expansion order
	unresolved map[string]*UnresolvedError
	pending    map[string][]string // job ID -> input paths whose producer is found by linking
}

// Resolve expands every rule. A cycle between rules or jobs and colliding
// outputs abort with no DAG. Rules whose inputs cannot be found are dropped
// along with everything downstream of them; the remaining DAG is returned
// together with a *ResolveError naming the dropped rules.
func (r *Resolver) Resolve(reg *rule.Registry) (*DAG, error) {
	logger := r.logger()
	x := &expansion{
		rules:      reg.Rules(),
		byName:     make(map[string]rule.Rule),
		jobs:       make(map[string][]*Job),
		unresolved: make(map[string]*UnresolvedError),
		pending:    make(map[string][]string),
	}
	for _, rl := range x.rules {
		x.byName[rl.Name] = rl
	}

	order, err := x.ruleOrder()
	if err != nil {
		return nil, err
	}

	// Rules expand after everything they reference, so a merge sees the
	// complete job set of the fan-out it consumes.
	for _, name := range order {
		rl := x.byName[name]
		if err := r.expand(x, rl); err != nil {
			x.unresolved[rl.Name] = err
			delete(x.jobs, rl.Name)
		}
	}

	if err := x.checkCollisions(); err != nil {
		return nil, err
	}
	r.link(x)
	x.cascade()

	dag := NewDAG()
	for _, rl := range x.rules {
		if _, bad := x.unresolved[rl.Name]; bad {
			continue
		}
		for _, job := range x.jobs[rl.Name] {
			if err := dag.AddJob(job); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrOutputCollision, err)
			}
		}
	}
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("resolved pipeline", "rules", len(x.rules), "jobs", dag.Len(), "unresolved", len(x.unresolved))

	if len(x.unresolved) > 0 {
		rerr := &ResolveError{}
		for _, rl := range x.rules {
			if u, ok := x.unresolved[rl.Name]; ok {
				logger.Warn("rule unresolved", "rule", u.Rule, "reason", u.Reason)
				rerr.Unresolved = append(rerr.Unresolved, u)
			}
		}
		return dag, rerr
	}
	return dag, nil
}

// ruleOrder sorts rules so every referenced rule comes first. References to
// unknown rules mark the referencing rule unresolved.
func (x *expansion) ruleOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, rl := range x.rules {
		edges = append(edges, toposort.Edge{nil, rl.Name})
		for _, ref := range rl.Refs() {
			if _, known := x.byName[ref]; !known {
				x.unresolved[rl.Name] = &UnresolvedError{Rule: rl.Name, Reason: fmt.Sprintf("unknown rule %q", ref)}
				continue
			}
			edges = append(edges, toposort.Edge{ref, rl.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: rule graph: %v", ErrCycleDetected, err)
	}
	order := make([]string, 0, len(x.rules))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(x.rules) {
		return nil, fmt.Errorf("%w: rule graph", ErrCycleDetected)
	}
	return order, nil
}

func (r *Resolver) expand(x *expansion, rl rule.Rule) *UnresolvedError {
	if u, ok := x.unresolved[rl.Name]; ok {
		return u
	}
	unresolved := func(format string, args ...any) *UnresolvedError {
		return &UnresolvedError{Rule: rl.Name, Reason: fmt.Sprintf(format, args...)}
	}

	// Order-only dependencies on every job of followed rules, and of target
	// rules used as inputs since they have no outputs to consume.
	var orderOnly []string
	addOrderOnly := func(name string) *UnresolvedError {
		if _, bad := x.unresolved[name]; bad {
			return unresolved("depends on unresolved rule %q", name)
		}
		for _, job := range x.jobs[name] {
			orderOnly = append(orderOnly, job.ID)
		}
		return nil
	}
	for _, name := range rl.Follows {
		if err := addOrderOnly(name); err != nil {
			return err
		}
	}

	var sources []source
	for _, in := range rl.Inputs {
		switch in.Kind {
		case rule.InputPath:
			sources = append(sources, source{path: filepath.Clean(in.Value)})
		case rule.InputGlob:
			matches, err := r.glob(in.Value)
			if err != nil {
				return unresolved("glob %q: %v", in.Value, err)
			}
			if len(matches) == 0 {
				r.logger().Warn("glob matched no files", "rule", rl.Name, "pattern", in.Value)
			}
			for _, m := range matches {
				sources = append(sources, source{path: m})
			}
		case rule.InputRule:
			upstream := x.byName[in.Value]
			if upstream.Kind == rule.KindTarget {
				if err := addOrderOnly(in.Value); err != nil {
					return err
				}
				continue
			}
			if _, bad := x.unresolved[in.Value]; bad {
				return unresolved("depends on unresolved rule %q", in.Value)
			}
			for _, job := range x.jobs[in.Value] {
				sources = append(sources, source{path: job.Primary(), producer: job.ID})
			}
		}
	}

	extras := make([]string, 0, len(rl.ExtraInputs))
	for _, p := range rl.ExtraInputs {
		extras = append(extras, filepath.Clean(p))
	}

	newJob := func(inputs []string, outputs []string, deps []string) *Job {
		deps = append(deps, orderOnly...)
		job := &Job{
			ID:        JobID(rl.Name, inputs, outputs),
			Rule:      rl.Name,
			Kind:      rl.Kind,
			Inputs:    inputs,
			Outputs:   outputs,
			DependsOn: dedupe(deps),
			Resources: rl.Resources,
			Params:    rl.Params,
			Mkdir:     rl.Mkdir,
			Body:      rl.Body,
			Status:    JobPending,
		}
		return job
	}
	// unlinked records the inputs whose producer is unknown until every rule
	// has expanded.
	unlinked := func(job *Job, srcs []source) {
		for _, s := range srcs {
			if s.producer == "" {
				x.pending[job.ID] = append(x.pending[job.ID], s.path)
			}
		}
		x.pending[job.ID] = append(x.pending[job.ID], extras...)
	}

	var jobs []*Job
	switch rl.Kind {
	case rule.KindTransform:
		seen := make(map[string]bool)
		for _, s := range sources {
			if seen[s.path] {
				continue
			}
			seen[s.path] = true
			outputs, ok := rl.Output.Derive(rl.Name, s.path)
			if !ok {
				r.logger().Debug("input does not match output pattern", "rule", rl.Name, "input", s.path)
				continue
			}
			var deps []string
			if s.producer != "" {
				deps = append(deps, s.producer)
			}
			job := newJob(append([]string{s.path}, extras...), outputs, deps)
			unlinked(job, []source{s})
			jobs = append(jobs, job)
		}

	case rule.KindMerge:
		var inputs, deps []string
		seen := make(map[string]bool)
		var kept []source
		for _, s := range sources {
			if seen[s.path] {
				continue
			}
			seen[s.path] = true
			inputs = append(inputs, s.path)
			kept = append(kept, s)
			if s.producer != "" {
				deps = append(deps, s.producer)
			}
		}
		outputs := cleanAll(rl.Output.Paths)
		job := newJob(append(inputs, extras...), outputs, deps)
		unlinked(job, kept)
		jobs = append(jobs, job)

	case rule.KindFiles:
		for _, fj := range rl.Jobs {
			inputs := cleanAll(fj.Inputs)
			srcs := make([]source, 0, len(inputs))
			for _, in := range inputs {
				srcs = append(srcs, source{path: in})
			}
			job := newJob(append(inputs, extras...), cleanAll(fj.Outputs), nil)
			unlinked(job, srcs)
			jobs = append(jobs, job)
		}

	case rule.KindTarget:
		var deps []string
		for _, s := range sources {
			if s.producer != "" {
				deps = append(deps, s.producer)
			}
		}
		job := newJob(nil, nil, deps)
		job.ID = rl.Name
		for _, s := range sources {
			if s.producer == "" {
				x.pending[job.ID] = append(x.pending[job.ID], s.path)
			}
		}
		jobs = append(jobs, job)
	}

	x.jobs[rl.Name] = jobs
	return nil
}

// checkCollisions rejects any output path declared by two jobs, and any
// output that would overwrite another job's completion marker.
func (x *expansion) checkCollisions() error {
	owners := make(map[string][]string)
	for _, rl := range x.rules {
		for _, job := range x.jobs[rl.Name] {
			for _, out := range job.Outputs {
				owners[out] = append(owners[out], job.ID)
			}
		}
	}

	var errs []error
	paths := make([]string, 0, len(owners))
	for p := range owners {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if len(owners[p]) > 1 {
			errs = append(errs, &CollisionError{Path: p, Jobs: owners[p]})
		}
		if parent, ids := enclosingOutput(owners, p); parent != "" {
			errs = append(errs, &CollisionError{Path: p, Parent: parent, Jobs: ids})
		}
	}
	for _, rl := range x.rules {
		for _, job := range x.jobs[rl.Name] {
			if job.Primary() == "" {
				continue
			}
			m := marker.PathFor(job.Primary())
			if ids, ok := owners[m]; ok {
				errs = append(errs, &CollisionError{Path: m, Jobs: append([]string{job.ID + " (marker)"}, ids...)})
			}
		}
	}
	return errors.Join(errs...)
}

// enclosingOutput finds the nearest ancestor directory of p that another job
// declares as an output, and returns it with the jobs involved. A job may
// nest its own outputs.
func enclosingOutput(owners map[string][]string, p string) (string, []string) {
	for dir := filepath.Dir(p); dir != "." && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		parents, ok := owners[dir]
		if !ok {
			continue
		}
		if jobs := dedupe(append(append([]string{}, parents...), owners[p]...)); len(jobs) > 1 {
			return dir, jobs
		}
	}
	return "", nil
}

// link turns path inputs into edges to the jobs producing them. A path with
// no producer must already exist; otherwise the consuming rule is unresolved.
func (r *Resolver) link(x *expansion) {
	producers := make(map[string]string)
	for _, rl := range x.rules {
		for _, job := range x.jobs[rl.Name] {
			for _, out := range job.Outputs {
				producers[out] = job.ID
			}
		}
	}

	for _, rl := range x.rules {
		if _, bad := x.unresolved[rl.Name]; bad {
			continue
		}
		var missing []string
		for _, job := range x.jobs[rl.Name] {
			for _, p := range x.pending[job.ID] {
				if id, ok := producers[p]; ok {
					if id != job.ID {
						job.DependsOn = dedupe(append(job.DependsOn, id))
					}
					continue
				}
				if !r.exists(p) {
					missing = append(missing, p)
				}
			}
		}
		if len(missing) > 0 {
			missing = dedupe(missing)
			x.unresolved[rl.Name] = &UnresolvedError{
				Rule:   rl.Name,
				Reason: fmt.Sprintf("input %v does not exist and no rule produces it", missing),
			}
		}
	}
}

// cascade drops every rule with a job depending on a job of an unresolved rule,
// repeating until nothing changes.
func (x *expansion) cascade() {
	owner := make(map[string]string)
	for _, rl := range x.rules {
		for _, job := range x.jobs[rl.Name] {
			owner[job.ID] = rl.Name
		}
	}

	for changed := true; changed; {
		changed = false
		for _, rl := range x.rules {
			if _, bad := x.unresolved[rl.Name]; bad {
				continue
			}
		jobs:
			for _, job := range x.jobs[rl.Name] {
				for _, dep := range job.DependsOn {
					up := owner[dep]
					if _, bad := x.unresolved[up]; bad {
						x.unresolved[rl.Name] = &UnresolvedError{
							Rule:   rl.Name,
							Reason: fmt.Sprintf("depends on unresolved rule %q", up),
						}
						changed = true
						break jobs
					}
				}
			}
		}
	}
}

func (r *Resolver) glob(pattern string) ([]string, error) {
	full := pattern
	if r.Dir != "" && !filepath.IsAbs(pattern) {
		full = filepath.Join(r.Dir, pattern)
	}
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if r.Dir != "" && !filepath.IsAbs(pattern) {
			if rel, err := filepath.Rel(r.Dir, m); err == nil {
				m = rel
			}
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) exists(p string) bool {
	_, err := os.Stat(resolvePath(r.Dir, p))
	return err == nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func resolvePath(dir, p string) string {
	if dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func cleanAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.Clean(p))
	}
	return out
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
