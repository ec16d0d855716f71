// Package pipeline reads pipeline definitions from YAML and compiles them
// into a rule registry. Documents are checked against an embedded JSON
// schema before they are decoded, and decoding rejects unknown keys.
package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the pipeline file used when none is given.
const DefaultFile = "pipeline.yml"

// ErrInvalidPipeline wraps every schema and decoding failure.
var ErrInvalidPipeline = errors.New("invalid pipeline")

//go:embed schema.yaml
var schemaYAML []byte

// Pipeline is a decoded pipeline file.
type Pipeline struct {
	Name    string            `yaml:"name"`
	Default string            `yaml:"default"` // target used when none is named
	Params  map[string]string `yaml:"params"`  // shared by every rule; rule params win
	Rules   []RuleDef         `yaml:"rules"`
}

// RuleDef is one rule entry.
type RuleDef struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"`
	Inputs      []InputDef        `yaml:"inputs"`
	ExtraInputs []string          `yaml:"extra_inputs"`
	Output      OutputDef         `yaml:"output"`
	Jobs        []JobDef          `yaml:"jobs"`
	Foreach     []string          `yaml:"foreach"`
	Follows     []string          `yaml:"follows"`
	Mkdir       []string          `yaml:"mkdir"`
	Resources   ResourcesDef      `yaml:"resources"`
	Params      map[string]string `yaml:"params"`
	Steps       []string          `yaml:"steps"`
	Load        *LoadDef          `yaml:"load"`
}

// InputDef sets exactly one of its fields.
type InputDef struct {
	Path string `yaml:"path"`
	Glob string `yaml:"glob"`
	Rule string `yaml:"rule"`
}

// OutputDef mirrors rule.OutputSpec.
type OutputDef struct {
	Dir       string   `yaml:"dir"`
	Suffix    string   `yaml:"suffix"`
	Replace   []string `yaml:"replace"`
	Regex     string   `yaml:"regex"`
	Templates []string `yaml:"templates"`
	Paths     []string `yaml:"paths"`
}

// JobDef is an explicit job of a files rule. "{item}" is replaced by each
// foreach entry.
type JobDef struct {
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
}

// ResourcesDef holds resources as written: memory like "4G", timeout like "1h".
type ResourcesDef struct {
	CPU            int    `yaml:"cpu"`
	Memory         string `yaml:"memory"`
	Timeout        string `yaml:"timeout"`
	ClusterOptions string `yaml:"cluster_options"`
}

// LoadDef configures the built-in load body.
type LoadDef struct {
	Database      string `yaml:"database"`
	Table         string `yaml:"table"`
	RegexFilename string `yaml:"regex_filename"`
	Column        string `yaml:"column"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// compiledSchema converts the embedded YAML schema to JSON and compiles it
// once.
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := yaml.Unmarshal(schemaYAML, &doc); err != nil {
			schemaErr = fmt.Errorf("failed to parse schema: %w", err)
			return
		}
		data, err := json.Marshal(doc)
		if err != nil {
			schemaErr = fmt.Errorf("failed to marshal schema: %w", err)
			return
		}
		schema, schemaErr = jsonschema.CompileString("pipeline.schema.json", string(data))
	})
	return schema, schemaErr
}

// Load reads and parses a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data, path)
}

// Parse validates data against the schema and decodes it. name is used in
// error messages.
func Parse(data []byte, name string) (*Pipeline, error) {
	if err := validateSchema(data, name); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, name, err)
	}
	return &p, nil
}

func validateSchema(data []byte, name string) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, name, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: %s is empty", ErrInvalidPipeline, name)
	}

	// The validator wants JSON types, not YAML's.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, name, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, name, err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPipeline, name, err)
	}
	return nil
}
