// Package cli implements the ruleflow command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/config"
	"github.com/aristath/ruleflow/internal/logging"
	"github.com/aristath/ruleflow/internal/pipeline"
	"github.com/aristath/ruleflow/internal/rule"
)

// ExitError carries a process exit code. Its message, if any, has already
// been printed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// options holds the persistent flags shared by every command.
type options struct {
	file       string
	globalPath string
	logLevel   string
	logFormat  string
	json       bool

	stdout io.Writer
	stderr io.Writer
}

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(version string, stdout, stderr io.Writer) *cobra.Command {
	o := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "ruleflow",
		Short:         "Run file-based rule pipelines with completion markers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&o.file, "file", "f", pipeline.DefaultFile, "Pipeline definition")
	root.PersistentFlags().StringVar(&o.globalPath, "config", "", "Global config file (default ~/.ruleflow/config.json)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
	root.PersistentFlags().BoolVar(&o.json, "json", false, "Output in JSON format")

	root.AddCommand(
		newRunCmd(o),
		newShowDAGCmd(o),
		newCleanCmd(o),
		newStatusCmd(o),
		newHistoryCmd(o),
		newConfigCmd(o),
		newWorkerCmd(o),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version string, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd(version, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(stderr, "Error:", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// workspace is everything a command needs about the project it runs in.
type workspace struct {
	dir         string // pipeline directory; relative paths resolve here
	cfg         *config.EngineConfig
	globalPath  string
	projectPath string
	logLevel    string
	logFormat   string
	logger      *slog.Logger

	pipeline *pipeline.Pipeline
	reg      *rule.Registry
}

// openConfig loads the layered configuration for dir and sets up logging.
func (o *options) openConfig(dir string) (*workspace, error) {
	global := o.globalPath
	if global == "" {
		var err error
		if global, _, err = config.Paths(); err != nil {
			return nil, err
		}
	}
	project := filepath.Join(dir, config.DirName, "config.json")

	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}

	ws := &workspace{
		dir:         dir,
		cfg:         cfg,
		globalPath:  global,
		projectPath: project,
		logLevel:    cfg.LogLevel,
		logFormat:   cfg.LogFormat,
	}
	if o.logLevel != "" {
		ws.logLevel = o.logLevel
	}
	if o.logFormat != "" {
		ws.logFormat = o.logFormat
	}
	if ws.logger, err = logging.Setup(ws.logLevel, ws.logFormat, o.stderr); err != nil {
		return nil, err
	}
	return ws, nil
}

// openDir loads the configuration of the pipeline's directory without
// reading the pipeline itself.
func (o *options) openDir() (*workspace, error) {
	file, err := filepath.Abs(o.file)
	if err != nil {
		return nil, err
	}
	return o.openConfig(filepath.Dir(file))
}

// open loads the configuration and compiles the pipeline file.
func (o *options) open() (*workspace, error) {
	file, err := filepath.Abs(o.file)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("pipeline file: %w", err)
	}

	ws, err := o.openConfig(filepath.Dir(file))
	if err != nil {
		return nil, err
	}
	if ws.pipeline, ws.reg, err = pipeline.LoadRegistry(file); err != nil {
		return nil, err
	}
	ws.logger.Debug("pipeline loaded", "file", file, "rules", ws.reg.Len())
	return ws, nil
}

// targets returns args, or the pipeline's default target. No targets means
// every rule.
func (ws *workspace) targets(args []string) []string {
	if len(args) > 0 {
		return args
	}
	if ws.pipeline != nil && ws.pipeline.Default != "" {
		return []string{ws.pipeline.Default}
	}
	return nil
}

// path resolves p against the workspace directory.
func (ws *workspace) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ws.dir, p)
}
