package rule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/aristath/ruleflow/internal/runner"
	"github.com/dustin/go-humanize"
)

// TaskContext is everything a task body receives for one job.
type TaskContext struct {
	JobID     string
	Rule      string
	Dir       string // working directory; relative paths resolve against it
	Inputs    []string
	Outputs   []string
	Resources Resources
	Params    map[string]string

	Logger    *slog.Logger
	Stdout    io.Writer              // receives body output as it is produced (optional)
	Processes *runner.ProcessManager // tracks spawned subprocesses (optional)
}

// TaskBody is the opaque work a job performs. A nil return means success;
// the engine still verifies the declared outputs exist afterwards.
type TaskBody interface {
	Run(ctx context.Context, tc *TaskContext) error
}

// BodyFunc adapts a function to TaskBody.
type BodyFunc func(ctx context.Context, tc *TaskContext) error

func (f BodyFunc) Run(ctx context.Context, tc *TaskContext) error { return f(ctx, tc) }

// Scripter is implemented by bodies that can be serialized into a shell
// script for remote submission.
type Scripter interface {
	Script(tc *TaskContext) (string, error)
}

// TemplateData is the data available to shell step templates.
type TemplateData struct {
	Input   string // first input
	Inputs  []string
	Output  string // primary output
	Outputs []string
	OutDir  string // directory of the primary output
	Log     string // primary output + ".log"
	Stem    string // base name of the primary output up to the first dot
	CPU     int
	Memory  uint64
	Params  map[string]string
}

// NewTemplateData builds the template data for a job.
func NewTemplateData(tc *TaskContext) TemplateData {
	data := TemplateData{
		Inputs:  tc.Inputs,
		Outputs: tc.Outputs,
		CPU:     tc.Resources.Cores(),
		Memory:  tc.Resources.Memory,
		Params:  tc.Params,
	}
	if data.Params == nil {
		data.Params = map[string]string{}
	}
	if len(tc.Inputs) > 0 {
		data.Input = tc.Inputs[0]
	}
	if len(tc.Outputs) > 0 {
		data.Output = tc.Outputs[0]
		data.OutDir = filepath.Dir(data.Output)
		data.Log = data.Output + ".log"
		data.Stem, _, _ = strings.Cut(filepath.Base(data.Output), ".")
	}
	return data
}

var templateFuncs = template.FuncMap{
	"join":  strings.Join,
	"base":  filepath.Base,
	"dir":   filepath.Dir,
	"bytes": humanize.IBytes,
	"mb":    func(n uint64) uint64 { return n / (1 << 20) },
	"quote": quote,
}

// quote renders a path, or a list of paths separated by spaces, as
// single-quoted shell words.
func quote(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return shellQuote(v), nil
	case []string:
		words := make([]string, len(v))
		for i, s := range v {
			words[i] = shellQuote(s)
		}
		return strings.Join(words, " "), nil
	default:
		return "", fmt.Errorf("quote: unsupported type %T", v)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Shell is a task body made of checkpointed shell steps. Each step is a
// text/template rendered against TemplateData; referencing an unknown field
// or parameter is an error.
type Shell struct {
	steps []*template.Template
	raw   []string
}

// NewShell parses the step templates.
func NewShell(steps ...string) (*Shell, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("shell body needs at least one step")
	}
	s := &Shell{raw: append([]string(nil), steps...)}
	for i, src := range steps {
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("step %d is empty", i+1)
		}
		tmpl, err := template.New(fmt.Sprintf("step%d", i+1)).
			Option("missingkey=error").
			Funcs(templateFuncs).
			Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse step %d: %w", i+1, err)
		}
		s.steps = append(s.steps, tmpl)
	}
	return s, nil
}

// Steps returns the unrendered step sources.
func (s *Shell) Steps() []string {
	return append([]string(nil), s.raw...)
}

// Render expands every step for the job.
func (s *Shell) Render(tc *TaskContext) ([]runner.Step, error) {
	return s.render(NewTemplateData(tc))
}

func (s *Shell) render(data TemplateData) ([]runner.Step, error) {
	steps := make([]runner.Step, 0, len(s.steps))
	for i, tmpl := range s.steps {
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("render step %d: %w", i+1, err)
		}
		steps = append(steps, runner.Step{Command: b.String()})
	}
	return steps, nil
}

// Validate renders every step against placeholder data so that unknown
// fields and undeclared parameters are rejected before anything runs.
func (s *Shell) Validate(params map[string]string) error {
	sample := TemplateData{
		Inputs:  make([]string, 8),
		Outputs: make([]string, 8),
		Input:   "input",
		Output:  "output",
		OutDir:  ".",
		Log:     "output.log",
		Stem:    "output",
		CPU:     1,
		Params:  params,
	}
	for i := range sample.Inputs {
		sample.Inputs[i] = fmt.Sprintf("input%d", i)
		sample.Outputs[i] = fmt.Sprintf("output%d", i)
	}
	if sample.Params == nil {
		sample.Params = map[string]string{}
	}
	_, err := s.render(sample)
	return err
}

// Run renders the steps and executes them in order, stopping at the first
// step that fails.
func (s *Shell) Run(ctx context.Context, tc *TaskContext) error {
	steps, err := s.Render(tc)
	if err != nil {
		return err
	}
	if tc.Logger != nil {
		tc.Logger.Debug("running shell steps", "steps", len(steps))
	}
	return runner.Execute(ctx, steps, runner.Options{
		Dir:       tc.Dir,
		Env:       jobEnv(tc),
		Output:    tc.Stdout,
		Processes: tc.Processes,
	})
}

// Script renders the steps into a single fail-fast shell script.
func (s *Shell) Script(tc *TaskContext) (string, error) {
	steps, err := s.Render(tc)
	if err != nil {
		return "", err
	}
	return runner.Script(steps), nil
}

func jobEnv(tc *TaskContext) []string {
	return []string{
		"RULEFLOW_JOB_ID=" + tc.JobID,
		"RULEFLOW_RULE=" + tc.Rule,
		fmt.Sprintf("RULEFLOW_CPU=%d", tc.Resources.Cores()),
	}
}
