package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/config"
	"github.com/aristath/ruleflow/internal/tui"
)

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit the engine configuration",
	}
	cmd.AddCommand(
		newConfigShowCmd(o),
		newConfigInitCmd(o),
		newConfigEditCmd(o),
	)
	return cmd
}

func newConfigShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.openDir()
			if err != nil {
				return err
			}
			// Always JSON: it is the config file format.
			out := o.output()
			out.Message("# global: %s\n# project: %s", ws.globalPath, ws.projectPath)
			return out.JSON(ws.cfg)
		},
	}
}

func newConfigInitCmd(o *options) *cobra.Command {
	var (
		global bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.openDir()
			if err != nil {
				return err
			}
			path := ws.projectPath
			if global {
				path = ws.globalPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			o.output().Message("wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "Write the global config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigEditCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit the configuration in an interactive form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.openDir()
			if err != nil {
				return err
			}
			app := tui.NewSettingsApp(ws.cfg, ws.globalPath, ws.projectPath)
			final, err := tea.NewProgram(app, tea.WithContext(cmd.Context())).Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			if app, ok := final.(tui.SettingsApp); ok {
				if path, saved := app.Saved(); saved {
					o.output().Message("saved %s", path)
					return nil
				}
			}
			o.output().Message("not saved")
			return nil
		},
	}
}
