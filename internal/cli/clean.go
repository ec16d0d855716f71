package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/scheduler"
)

func newCleanCmd(o *options) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean <target>...",
		Short: "Delete outputs and completion markers of targets and everything downstream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.open()
			if err != nil {
				return err
			}
			dag, ids, err := scheduler.NewResolver(ws.dir, ws.logger).Downstream(ws.reg, args...)
			if err != nil {
				return err
			}

			out := o.output()
			markers := marker.NewStore(ws.dir)
			var removed []string
			for _, id := range ids {
				job, _ := dag.Get(id)
				if job.Phony() {
					continue
				}
				for _, p := range job.Outputs {
					gone, err := remove(ws.path(p), dryRun)
					if err != nil {
						return err
					}
					if gone {
						removed = append(removed, p)
					}
				}
				if markers.Exists(job.Primary()) {
					if !dryRun {
						if err := markers.Remove(job.Primary()); err != nil {
							return err
						}
					}
					removed = append(removed, marker.PathFor(job.Primary()))
				}
				ws.logger.Debug("job cleaned", "job_id", job.ID, "rule", job.Rule, "dry_run", dryRun)
			}

			rows := make([][]string, len(removed))
			for i, p := range removed {
				rows[i] = []string{p}
			}
			header := "REMOVED"
			if dryRun {
				header = "WOULD REMOVE"
			}
			if err := out.Print([]string{header}, rows, removed); err != nil {
				return err
			}
			out.Line("\n%d jobs, %d files", len(ids), len(removed))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Only list what would be removed")
	return cmd
}

// remove deletes path, reporting whether it existed.
func remove(path string, dryRun bool) (bool, error) {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if dryRun {
		return true, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, err
	}
	return true, nil
}
