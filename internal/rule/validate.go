package rule

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// ErrInvalidRule is the base error of every registration failure.
var ErrInvalidRule = errors.New("invalid rule")

// ValidationError describes why a rule was rejected.
type ValidationError struct {
	Rule    string // rule name, if known
	Field   string // offending field
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Rule != "" {
		return fmt.Sprintf("rule %q: %s", e.Rule, msg)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(rule, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Rule:    rule,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrInvalidRule,
	}
}

var (
	namePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	paramPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// paramValidator is implemented by bodies that can check their parameter use
// ahead of time.
type paramValidator interface {
	Validate(params map[string]string) error
}

// validate checks a rule in isolation and compiles its output regex.
func validate(r *Rule) error {
	if r.Name == "" {
		return invalid("", "name", "is required")
	}
	if !namePattern.MatchString(r.Name) {
		return invalid(r.Name, "name", "must match %s", namePattern)
	}
	if _, ok := kindNames[r.Kind]; !ok {
		return invalid(r.Name, "kind", "unknown kind %d", int(r.Kind))
	}

	for i, in := range r.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if in.Value == "" {
			return invalid(r.Name, field, "empty %s", in.Kind)
		}
		switch in.Kind {
		case InputGlob:
			if _, err := filepath.Match(in.Value, ""); err != nil {
				return invalid(r.Name, field, "bad glob %q: %v", in.Value, err)
			}
		case InputRule:
			if in.Value == r.Name {
				return invalid(r.Name, field, "rule cannot consume its own outputs")
			}
		case InputPath:
		default:
			return invalid(r.Name, field, "unknown input kind %d", int(in.Kind))
		}
	}
	for i, p := range r.ExtraInputs {
		if p == "" {
			return invalid(r.Name, fmt.Sprintf("extra_inputs[%d]", i), "empty path")
		}
	}
	for i, name := range r.Follows {
		field := fmt.Sprintf("follows[%d]", i)
		if name == "" {
			return invalid(r.Name, field, "empty rule name")
		}
		if name == r.Name {
			return invalid(r.Name, field, "rule cannot follow itself")
		}
	}

	if err := r.Resources.validate(); err != nil {
		return invalid(r.Name, "resources", "%v", err)
	}
	for key := range r.Params {
		if !paramPattern.MatchString(key) {
			return invalid(r.Name, "params", "invalid parameter name %q", key)
		}
	}

	var err error
	switch r.Kind {
	case KindTransform:
		err = validateTransform(r)
	case KindMerge:
		err = validateMerge(r)
	case KindFiles:
		err = validateFiles(r)
	case KindTarget:
		err = validateTarget(r)
	}
	if err != nil {
		return err
	}

	if r.Kind != KindTarget {
		if r.Body == nil {
			return invalid(r.Name, "body", "is required for %s rules", r.Kind)
		}
		if v, ok := r.Body.(paramValidator); ok {
			if err := v.Validate(r.Params); err != nil {
				return &ValidationError{Rule: r.Name, Field: "steps", Message: err.Error(), Err: ErrInvalidRule}
			}
		}
	}
	return nil
}

func validateTransform(r *Rule) error {
	if len(r.Inputs) == 0 {
		return invalid(r.Name, "inputs", "transform rules need at least one input")
	}
	if len(r.Jobs) > 0 {
		return invalid(r.Name, "jobs", "only files rules declare explicit jobs")
	}
	out := &r.Output
	if len(out.Paths) > 0 {
		return invalid(r.Name, "output.paths", "transform outputs are derived, not listed")
	}

	regexMode := out.Regex != "" || len(out.Templates) > 0
	suffixMode := out.Suffix != "" || len(out.Replace) > 0
	switch {
	case regexMode && suffixMode:
		return invalid(r.Name, "output", "use either regex/templates or suffix/replace, not both")
	case regexMode:
		if out.Regex == "" || len(out.Templates) == 0 {
			return invalid(r.Name, "output", "regex mode needs both regex and templates")
		}
		re, err := regexp.Compile(out.Regex)
		if err != nil {
			return invalid(r.Name, "output.regex", "%v", err)
		}
		out.re = re
	case suffixMode:
		if len(out.Replace) == 0 {
			return invalid(r.Name, "output.replace", "suffix mode needs at least one replacement")
		}
		for i, rep := range out.Replace {
			if rep == "" {
				return invalid(r.Name, fmt.Sprintf("output.replace[%d]", i), "empty replacement")
			}
		}
	default:
		return invalid(r.Name, "output", "transform rules need suffix/replace or regex/templates")
	}
	return nil
}

func validateMerge(r *Rule) error {
	if len(r.Inputs) == 0 {
		return invalid(r.Name, "inputs", "merge rules need at least one input")
	}
	if len(r.Jobs) > 0 {
		return invalid(r.Name, "jobs", "only files rules declare explicit jobs")
	}
	if len(r.Output.Paths) == 0 {
		return invalid(r.Name, "output.paths", "merge rules need at least one output path")
	}
	if r.Output.Regex != "" || r.Output.Suffix != "" || len(r.Output.Replace) > 0 || len(r.Output.Templates) > 0 {
		return invalid(r.Name, "output", "merge rules only accept literal paths")
	}
	return nil
}

func validateFiles(r *Rule) error {
	if len(r.Inputs) > 0 {
		return invalid(r.Name, "inputs", "files rules list inputs per job")
	}
	if !r.Output.IsZero() {
		return invalid(r.Name, "output", "files rules list outputs per job")
	}
	if len(r.Jobs) == 0 {
		return invalid(r.Name, "jobs", "files rules need at least one job")
	}
	for i, job := range r.Jobs {
		if len(job.Outputs) == 0 {
			return invalid(r.Name, fmt.Sprintf("jobs[%d].outputs", i), "at least one output is required")
		}
	}
	return nil
}

func validateTarget(r *Rule) error {
	if r.Body != nil {
		return invalid(r.Name, "body", "target rules have no body")
	}
	if !r.Output.IsZero() || len(r.Jobs) > 0 {
		return invalid(r.Name, "output", "target rules have no outputs")
	}
	if len(r.Inputs) == 0 && len(r.Follows) == 0 {
		return invalid(r.Name, "inputs", "target rules need inputs or follows")
	}
	return nil
}
