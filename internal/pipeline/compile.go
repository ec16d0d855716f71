package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/ruleflow/internal/rule"
	"github.com/aristath/ruleflow/internal/tasks"
)

// ItemPlaceholder is replaced by each foreach entry in job paths.
const ItemPlaceholder = "{item}"

// Compile registers every rule of the pipeline into a new registry. All
// rule errors are reported together.
func (p *Pipeline) Compile() (*rule.Registry, error) {
	reg := rule.NewRegistry()
	var errs []error
	for i := range p.Rules {
		r, err := p.rule(&p.Rules[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := reg.Register(r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if p.Default != "" {
		if _, ok := reg.Rule(p.Default); !ok {
			return nil, fmt.Errorf("%w: default target %q is not a rule", ErrInvalidPipeline, p.Default)
		}
	}
	return reg, nil
}

// LoadRegistry loads a pipeline file and compiles it.
func LoadRegistry(path string) (*Pipeline, *rule.Registry, error) {
	p, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	reg, err := p.Compile()
	if err != nil {
		return nil, nil, err
	}
	return p, reg, nil
}

func (p *Pipeline) rule(def *RuleDef) (rule.Rule, error) {
	fail := func(field, format string, args ...any) error {
		return &rule.ValidationError{
			Rule:    def.Name,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Err:     rule.ErrInvalidRule,
		}
	}

	kind, err := rule.ParseKind(def.Kind)
	if err != nil {
		return rule.Rule{}, fail("kind", "%v", err)
	}

	r := rule.Rule{
		Name:        def.Name,
		Kind:        kind,
		ExtraInputs: def.ExtraInputs,
		Output: rule.OutputSpec{
			Dir:       def.Output.Dir,
			Suffix:    def.Output.Suffix,
			Replace:   def.Output.Replace,
			Regex:     def.Output.Regex,
			Templates: def.Output.Templates,
			Paths:     def.Output.Paths,
		},
		Follows: def.Follows,
		Mkdir:   def.Mkdir,
		Params:  mergeParams(p.Params, def.Params),
	}

	for i, in := range def.Inputs {
		switch {
		case in.Path != "":
			r.Inputs = append(r.Inputs, rule.Path(in.Path))
		case in.Glob != "":
			r.Inputs = append(r.Inputs, rule.Glob(in.Glob))
		case in.Rule != "":
			r.Inputs = append(r.Inputs, rule.Ref(in.Rule))
		default:
			return rule.Rule{}, fail(fmt.Sprintf("inputs[%d]", i), "needs one of path, glob or rule")
		}
	}

	r.Jobs = expandJobs(def.Jobs, def.Foreach)

	if r.Resources, err = resources(def.Resources); err != nil {
		return rule.Rule{}, fail("resources", "%v", err)
	}

	switch {
	case len(def.Steps) > 0:
		body, err := rule.NewShell(def.Steps...)
		if err != nil {
			return rule.Rule{}, fail("steps", "%v", err)
		}
		r.Body = body
	case def.Load != nil:
		body, err := tasks.NewLoad(tasks.LoadConfig{
			Database:      def.Load.Database,
			Table:         def.Load.Table,
			RegexFilename: def.Load.RegexFilename,
			Column:        def.Load.Column,
		})
		if err != nil {
			return rule.Rule{}, fail("load", "%v", err)
		}
		r.Body = body
	}
	return r, nil
}

// expandJobs replicates every job once per foreach item. Without foreach the
// jobs are returned as declared.
func expandJobs(defs []JobDef, foreach []string) []rule.FileJob {
	if len(defs) == 0 {
		return nil
	}
	items := foreach
	if len(items) == 0 {
		items = []string{""}
	}

	jobs := make([]rule.FileJob, 0, len(defs)*len(items))
	for _, item := range items {
		for _, def := range defs {
			jobs = append(jobs, rule.FileJob{
				Inputs:  substitute(def.Inputs, item, len(foreach) > 0),
				Outputs: substitute(def.Outputs, item, len(foreach) > 0),
			})
		}
	}
	return jobs
}

func substitute(paths []string, item string, replace bool) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if replace {
			p = strings.ReplaceAll(p, ItemPlaceholder, item)
		}
		out[i] = p
	}
	return out
}

func resources(def ResourcesDef) (rule.Resources, error) {
	res := rule.Resources{CPU: def.CPU, ClusterOptions: def.ClusterOptions}
	mem, err := rule.ParseMemory(def.Memory)
	if err != nil {
		return rule.Resources{}, err
	}
	res.Memory = mem
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return rule.Resources{}, fmt.Errorf("invalid timeout %q: %w", def.Timeout, err)
		}
		res.Timeout = d
	}
	return res, nil
}

func mergeParams(global, local map[string]string) map[string]string {
	if len(global) == 0 && len(local) == 0 {
		return nil
	}
	merged := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	return merged
}
