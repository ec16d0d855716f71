package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/scheduler"
)

type plannedJob struct {
	ID        string   `json:"id"`
	Rule      string   `json:"rule"`
	Inputs    []string `json:"inputs,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Stale     bool     `json:"stale"`
	Reason    string   `json:"reason,omitempty"`
}

func newShowDAGCmd(o *options) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "show-dag [target...]",
		Short: "List the planned jobs without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := o.open()
			if err != nil {
				return err
			}
			dag, err := scheduler.NewResolver(ws.dir, ws.logger).Plan(ws.reg, ws.targets(args)...)
			if err != nil {
				return err
			}
			if _, err := scheduler.NewOracle(marker.NewStore(ws.dir), ws.dir, ws.logger).Evaluate(dag); err != nil {
				return err
			}

			jobs, err := planned(dag)
			if err != nil {
				return err
			}
			out := o.output()
			if dot {
				_, err := fmt.Fprint(o.stdout, renderDot(jobs))
				return err
			}

			rows := make([][]string, len(jobs))
			stale := 0
			for i, j := range jobs {
				state := "up to date"
				if j.Stale {
					state = "stale: " + j.Reason
					stale++
				}
				rows[i] = []string{j.ID, j.Rule, strings.Join(j.Outputs, " "), fmt.Sprint(len(j.DependsOn)), state}
			}
			if err := out.Print([]string{"JOB", "RULE", "OUTPUTS", "DEPS", "STATE"}, rows, jobs); err != nil {
				return err
			}
			out.Line("\n%d jobs, %d would run", len(jobs), stale)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "Print the graph in Graphviz dot format")
	return cmd
}

// planned lists the DAG's jobs in dependency order.
func planned(dag *scheduler.DAG) ([]plannedJob, error) {
	order, err := dag.Validate()
	if err != nil {
		return nil, err
	}
	jobs := make([]plannedJob, 0, len(order))
	for _, id := range order {
		job, _ := dag.Get(id)
		jobs = append(jobs, plannedJob{
			ID:        job.ID,
			Rule:      job.Rule,
			Inputs:    job.Inputs,
			Outputs:   job.Outputs,
			DependsOn: job.DependsOn,
			Stale:     job.Stale,
			Reason:    job.StaleReason,
		})
	}
	return jobs, nil
}

// renderDot draws stale jobs filled.
func renderDot(jobs []plannedJob) string {
	var b strings.Builder
	b.WriteString("digraph ruleflow {\n  rankdir=LR;\n  node [shape=box];\n")
	for _, j := range jobs {
		style := ""
		if j.Stale {
			style = `, style=filled, fillcolor="#f6c177"`
		}
		fmt.Fprintf(&b, "  %q [label=%q%s];\n", j.ID, j.Rule+"\n"+strings.Join(j.Outputs, "\n"), style)
	}
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, j.ID)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
