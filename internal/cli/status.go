package cli

import (
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/scheduler"
)

type jobStatus struct {
	ID          string `json:"id"`
	Rule        string `json:"rule"`
	Output      string `json:"output"`
	UpToDate    bool   `json:"up_to_date"`
	Reason      string `json:"reason,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [target...]",
		Short: "Audit completion markers of the planned jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.open()
			if err != nil {
				return err
			}
			dag, err := scheduler.NewResolver(ws.dir, ws.logger).Plan(ws.reg, ws.targets(args)...)
			if err != nil {
				return err
			}
			markers := marker.NewStore(ws.dir)
			if _, err := scheduler.NewOracle(markers, ws.dir, ws.logger).Evaluate(dag); err != nil {
				return err
			}
			jobs, err := planned(dag)
			if err != nil {
				return err
			}

			var (
				statuses []jobStatus
				rows     [][]string
				current  int
			)
			for _, j := range jobs {
				job, _ := dag.Get(j.ID)
				if job.Phony() {
					continue
				}
				st := jobStatus{ID: j.ID, Rule: j.Rule, Output: job.Primary(), UpToDate: !j.Stale, Reason: j.Reason}
				completed := "-"
				rec, err := markers.Read(job.Primary())
				switch {
				case err == nil:
					st.CompletedAt = rec.CompletedAt.Format(time.RFC3339)
					completed = humanize.Time(rec.CompletedAt)
				case !errors.Is(err, marker.ErrNotFound):
					completed = "unreadable"
				}
				state := "up to date"
				if !st.UpToDate {
					state = "stale: " + st.Reason
				} else {
					current++
				}
				statuses = append(statuses, st)
				rows = append(rows, []string{j.Rule, st.Output, completed, state})
			}

			out := o.output()
			if err := out.Print([]string{"RULE", "OUTPUT", "COMPLETED", "STATE"}, rows, statuses); err != nil {
				return err
			}
			out.Line("\n%d of %d jobs up to date", current, len(statuses))
			return nil
		},
	}
}
