package rule

import (
	"path/filepath"
	"regexp"
	"strings"
)

// OutputSpec derives a job's output paths.
//
// Transform rules use either suffix mode (strip Suffix from the input's base
// name, append each Replace entry, place the result under Dir) or regex mode
// (expand each of Templates against Regex's match of the input path). Merge
// rules use Paths verbatim.
type OutputSpec struct {
	Dir     string   // defaults to "<rule>.dir"
	Suffix  string   // stripped from the input base name
	Replace []string // one output per entry

	Regex     string
	Templates []string // $1 / ${name} expanded against Regex

	Paths []string

	re *regexp.Regexp
}

// IsZero reports whether no output form is set.
func (o OutputSpec) IsZero() bool {
	return o.Dir == "" && o.Suffix == "" && len(o.Replace) == 0 &&
		o.Regex == "" && len(o.Templates) == 0 && len(o.Paths) == 0
}

// DefaultDir returns the output directory used when Dir is empty.
func DefaultDir(ruleName string) string {
	return ruleName + ".dir"
}

// Derive returns the outputs for a single input of a transform rule. The
// boolean is false when the input does not match the suffix or regex, in which
// case the input yields no job.
func (o OutputSpec) Derive(ruleName, input string) ([]string, bool) {
	if o.Regex != "" {
		re := o.re
		if re == nil {
			var err error
			if re, err = regexp.Compile(o.Regex); err != nil {
				return nil, false
			}
		}
		idx := re.FindStringSubmatchIndex(input)
		if idx == nil {
			return nil, false
		}
		outs := make([]string, 0, len(o.Templates))
		for _, tmpl := range o.Templates {
			outs = append(outs, filepath.Clean(string(re.ExpandString(nil, tmpl, input, idx))))
		}
		return outs, true
	}

	base := filepath.Base(input)
	if !strings.HasSuffix(base, o.Suffix) {
		return nil, false
	}
	stem := strings.TrimSuffix(base, o.Suffix)
	if stem == "" {
		return nil, false
	}

	dir := o.Dir
	if dir == "" {
		dir = DefaultDir(ruleName)
	}
	outs := make([]string, 0, len(o.Replace))
	for _, rep := range o.Replace {
		outs = append(outs, filepath.Join(dir, stem+rep))
	}
	return outs, true
}

func (o OutputSpec) clone() OutputSpec {
	cp := o
	cp.Replace = append([]string(nil), o.Replace...)
	cp.Templates = append([]string(nil), o.Templates...)
	cp.Paths = append([]string(nil), o.Paths...)
	return cp
}
