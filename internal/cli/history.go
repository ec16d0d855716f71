package cli

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/persistence"
)

func newHistoryCmd(o *options) *cobra.Command {
	var (
		limit int
		jobID string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, one run's jobs, or one job across runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.openDir()
			if err != nil {
				return err
			}
			if ws.cfg.HistoryDB == "" {
				return errors.New("run history is disabled (history_db is empty)")
			}
			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, ws.path(ws.cfg.HistoryDB))
			if err != nil {
				return err
			}
			defer store.Close()

			out := o.output()
			switch {
			case len(args) == 1:
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				out.Line("run %s  targets=%s  %s  ok=%t\n", run.ID, strings.Join(run.Targets, ","),
					run.Started.Format(time.DateTime), run.OK)
				return out.Print(jobHeaders, jobRows(run.Jobs, false), run)

			case jobID != "":
				results, err := store.JobHistory(ctx, jobID, limit)
				if err != nil {
					return err
				}
				return out.Print(append([]string{"RUN"}, jobHeaders...), jobRows(results, true), results)

			default:
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, len(runs))
				for i, r := range runs {
					result := "ok"
					switch {
					case r.Cancelled:
						result = "cancelled"
					case !r.OK:
						result = "failed"
					}
					rows[i] = []string{
						r.ID,
						humanize.Time(r.Started),
						r.Duration().Round(time.Millisecond).String(),
						result,
						strconv.Itoa(r.Succeeded),
						strconv.Itoa(r.Skipped),
						strconv.Itoa(r.Failed + r.UpstreamFailed),
						strings.Join(r.Targets, ","),
					}
				}
				return out.Print([]string{"RUN", "STARTED", "DURATION", "RESULT", "RAN", "SKIPPED", "FAILED", "TARGETS"}, rows, runs)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&jobID, "job", "", "Show one job's results across runs")
	return cmd
}

var jobHeaders = []string{"JOB", "RULE", "STATUS", "DURATION", "NOTE"}

func jobRows(results []persistence.JobResult, withRun bool) [][]string {
	rows := make([][]string, 0, len(results))
	for _, j := range results {
		note := j.Error
		if note == "" && j.Stale {
			note = j.StaleReason
		}
		d := ""
		if j.Duration() > 0 {
			d = j.Duration().Round(time.Millisecond).String()
		}
		row := []string{j.JobID, j.Rule, j.Status, d, note}
		if withRun {
			row = append([]string{j.RunID}, row...)
		}
		rows = append(rows, row)
	}
	return rows
}
