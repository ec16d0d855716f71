package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/ruleflow/internal/events"
	"github.com/aristath/ruleflow/internal/logging"
	"github.com/aristath/ruleflow/internal/marker"
	"github.com/aristath/ruleflow/internal/metrics"
	"github.com/aristath/ruleflow/internal/rule"
	"github.com/aristath/ruleflow/internal/scheduler"
)

// calls counts body invocations per rule.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) add(rule string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[rule]++
}

func (c *calls) get(rule string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[rule]
}

func (c *calls) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = nil
}

// produce writes every declared output, recording the call.
func produce(c *calls) rule.TaskBody {
	return rule.BodyFunc(func(ctx context.Context, tc *rule.TaskContext) error {
		c.add(tc.Rule)
		for _, out := range tc.Outputs {
			content := fmt.Sprintf("%s <- %s\n", out, strings.Join(tc.Inputs, ","))
			if err := os.WriteFile(filepath.Join(tc.Dir, out), []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	})
}

func touch(t *testing.T, dir string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(p), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newRunner(t *testing.T, dir string, maxParallel int, bus *events.EventBus) *Runner {
	t.Helper()
	r, err := New(Config{
		MaxParallel: maxParallel,
		Executor:    scheduler.NewLocalExecutor(8),
		Markers:     marker.NewStore(dir),
		Dir:         dir,
		Bus:         bus,
		Metrics:     metrics.NewCollector(),
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func resolve(t *testing.T, dir string, rules ...rule.Rule) *scheduler.DAG {
	t.Helper()
	reg := rule.NewRegistry()
	for _, r := range rules {
		if _, err := reg.Register(r); err != nil {
			t.Fatalf("Register(%s) error = %v", r.Name, err)
		}
	}
	dag, err := scheduler.NewResolver(dir, logging.Discard()).Resolve(reg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return dag
}

func run(t *testing.T, r *Runner, dag *scheduler.DAG) *Report {
	t.Helper()
	report, err := r.Run(context.Background(), dag)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

func statusByRule(report *Report) map[string][]scheduler.JobStatus {
	out := make(map[string][]scheduler.JobStatus)
	for _, j := range report.Jobs {
		out[j.Rule] = append(out[j.Rule], j.Status)
	}
	return out
}

func countRules(c *calls) []rule.Rule {
	return []rule.Rule{
		{
			Name:   "count",
			Kind:   rule.KindTransform,
			Inputs: []rule.Input{rule.Glob("data/*.fastq.gz")},
			Output: rule.OutputSpec{Suffix: ".fastq.gz", Replace: []string{".counts"}},
			Body:   produce(c),
		},
		{
			Name:   "merge_counts",
			Kind:   rule.KindMerge,
			Inputs: []rule.Input{rule.Ref("count")},
			Output: rule.OutputSpec{Paths: []string{"counts.tsv"}},
			Body:   produce(c),
		},
	}
}

// TestRunner_CountMergeScenario runs a three-way fan-out feeding a merge,
// re-runs it unchanged, then deletes one intermediate output.
func TestRunner_CountMergeScenario(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "data/s1.fastq.gz", "data/s2.fastq.gz", "data/s3.fastq.gz")
	c := &calls{}
	r := newRunner(t, dir, 4, nil)

	report := run(t, r, resolve(t, dir, countRules(c)...))
	if !report.OK() {
		t.Fatalf("first run failed: %+v", report.Failed())
	}
	if c.get("count") != 3 || c.get("merge_counts") != 1 {
		t.Fatalf("first run calls count=%d merge=%d, want 3 and 1", c.get("count"), c.get("merge_counts"))
	}

	var merge JobReport
	var lastCount time.Time
	for _, j := range report.Jobs {
		switch j.Rule {
		case "merge_counts":
			merge = j
		case "count":
			if j.Finished.After(lastCount) {
				lastCount = j.Finished
			}
		}
	}
	if merge.Dispatched.Before(lastCount) {
		t.Errorf("merge dispatched at %v before last count finished at %v", merge.Dispatched, lastCount)
	}
	if !marker.NewStore(dir).Exists("counts.tsv") {
		t.Error("merge marker not written")
	}

	// Unchanged inputs: nothing runs.
	c.reset()
	report = run(t, r, resolve(t, dir, countRules(c)...))
	if report.Executed() != 0 || c.get("count")+c.get("merge_counts") != 0 {
		t.Errorf("second run executed %d jobs, want 0", report.Executed())
	}
	if got := report.Counts()[scheduler.JobSkipped]; got != 4 {
		t.Errorf("second run skipped %d jobs, want 4", got)
	}

	// One intermediate output deleted: that job and the merge re-run.
	if err := os.Remove(filepath.Join(dir, "count.dir", "s2.counts")); err != nil {
		t.Fatal(err)
	}
	c.reset()
	report = run(t, r, resolve(t, dir, countRules(c)...))
	if c.get("count") != 1 || c.get("merge_counts") != 1 {
		t.Errorf("third run calls count=%d merge=%d, want 1 and 1", c.get("count"), c.get("merge_counts"))
	}
	for _, j := range report.Jobs {
		if j.Rule != "count" {
			continue
		}
		want := scheduler.JobSkipped
		if j.Outputs[0] == "count.dir/s2.counts" {
			want = scheduler.JobSucceeded
		}
		if j.Status != want {
			t.Errorf("%s status = %s, want %s", j.Outputs[0], j.Status, want)
		}
	}
}

func chainRules(c *calls) []rule.Rule {
	return []rule.Rule{
		{Name: "a", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Outputs: []string{"a.txt"}}}, Body: produce(c)},
		{Name: "b", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Inputs: []string{"a.txt"}, Outputs: []string{"b.txt"}}}, Body: produce(c)},
		{Name: "c", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Inputs: []string{"b.txt"}, Outputs: []string{"c.txt"}}}, Body: produce(c)},
	}
}

func TestRunner_TransitiveInvalidation(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	r := newRunner(t, dir, 2, nil)

	run(t, r, resolve(t, dir, chainRules(c)...))
	if err := marker.NewStore(dir).Remove("a.txt"); err != nil {
		t.Fatal(err)
	}

	c.reset()
	report := run(t, r, resolve(t, dir, chainRules(c)...))
	for _, name := range []string{"a", "b", "c"} {
		if c.get(name) != 1 {
			t.Errorf("rule %s ran %d times, want 1", name, c.get(name))
		}
	}
	if report.Executed() != 3 {
		t.Errorf("Executed() = %d, want 3", report.Executed())
	}
}

// TestRunner_ConcurrentRuns shares one runner between two disjoint DAGs
// running at the same time.
func TestRunner_ConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	r := newRunner(t, dir, 2, events.NewEventBus())

	other := []rule.Rule{
		{Name: "x", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Outputs: []string{"x.txt"}}}, Body: produce(c)},
		{Name: "y", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Inputs: []string{"x.txt"}, Outputs: []string{"y.txt"}}}, Body: produce(c)},
	}
	dags := []*scheduler.DAG{resolve(t, dir, chainRules(c)...), resolve(t, dir, other...)}

	reports := make([]*Report, len(dags))
	errs := make([]error, len(dags))
	var wg sync.WaitGroup
	for i, dag := range dags {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = r.Run(context.Background(), dag)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d error = %v", i, err)
		}
		if !reports[i].OK() {
			t.Errorf("run %d failed: %+v", i, reports[i].Failed())
		}
	}
	if reports[0].RunID == reports[1].RunID {
		t.Errorf("concurrent runs share run id %s", reports[0].RunID)
	}
	for _, name := range []string{"a", "b", "c", "x", "y"} {
		if c.get(name) != 1 {
			t.Errorf("rule %s ran %d times, want 1", name, c.get(name))
		}
	}
	for _, out := range []string{"c.txt", "y.txt"} {
		if !marker.NewStore(dir).Exists(out) {
			t.Errorf("marker for %s not written", out)
		}
	}
}

// TestRunner_PartialFailureIsolation runs two disjoint chains where one fails.
func TestRunner_PartialFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	boom := errors.New("aligner crashed")
	failing := rule.BodyFunc(func(context.Context, *rule.TaskContext) error { return boom })

	rules := []rule.Rule{
		{Name: "bad", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Outputs: []string{"bad.txt"}}}, Body: failing},
		{Name: "bad_child", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Inputs: []string{"bad.txt"}, Outputs: []string{"bad_child.txt"}}}, Body: produce(c)},
		{Name: "good", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Outputs: []string{"good.txt"}}}, Body: produce(c)},
		{Name: "good_child", Kind: rule.KindFiles, Jobs: []rule.FileJob{{Inputs: []string{"good.txt"}, Outputs: []string{"good_child.txt"}}}, Body: produce(c)},
	}

	report := run(t, newRunner(t, dir, 1, nil), resolve(t, dir, rules...))
	if report.OK() {
		t.Fatal("report should not be OK")
	}

	want := map[string]scheduler.JobStatus{
		"bad":        scheduler.JobFailed,
		"bad_child":  scheduler.JobUpstreamFailed,
		"good":       scheduler.JobSucceeded,
		"good_child": scheduler.JobSucceeded,
	}
	for name, status := range want {
		if got := statusByRule(report)[name]; len(got) != 1 || got[0] != status {
			t.Errorf("%s status = %v, want %s", name, got, status)
		}
	}
	if c.get("bad_child") != 0 {
		t.Error("descendant of a failed job was attempted")
	}

	failed := report.Failed()
	if len(failed) != 1 || !errors.Is(failed[0].Err, boom) || !errors.Is(failed[0].Err, scheduler.ErrJobFailed) {
		t.Errorf("Failed() = %+v", failed)
	}
	if marker.NewStore(dir).Exists("bad.txt") {
		t.Error("marker written for a failed job")
	}

	// Fixing the cause re-runs only the failed subgraph.
	rules[0].Body = produce(c)
	c.reset()
	report = run(t, newRunner(t, dir, 1, nil), resolve(t, dir, rules...))
	if !report.OK() || c.get("good")+c.get("good_child") != 0 || c.get("bad")+c.get("bad_child") != 2 {
		t.Errorf("resume ran unexpected jobs: %v", c.n)
	}
}

// TestRunner_NoPrematureDispatch checks every edge of a layered DAG under
// several parallelism limits.
func TestRunner_NoPrematureDispatch(t *testing.T) {
	for _, maxParallel := range []int{1, 2, 3, 8} {
		t.Run(fmt.Sprintf("max_parallel=%d", maxParallel), func(t *testing.T) {
			dir := t.TempDir()
			var inFlight, peak atomic.Int32
			body := rule.BodyFunc(func(ctx context.Context, tc *rule.TaskContext) error {
				cur := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				for _, out := range tc.Outputs {
					if err := os.WriteFile(filepath.Join(tc.Dir, out), nil, 0o644); err != nil {
						return err
					}
				}
				return nil
			})

			dag := scheduler.NewDAG()
			const layers, width = 4, 4
			for l := 0; l < layers; l++ {
				for w := 0; w < width; w++ {
					job := &scheduler.Job{
						ID:      fmt.Sprintf("L%d-%d", l, w),
						Rule:    fmt.Sprintf("layer%d", l),
						Outputs: []string{fmt.Sprintf("l%d-%d.out", l, w)},
						Body:    body,
					}
					if l > 0 {
						job.DependsOn = []string{fmt.Sprintf("L%d-%d", l-1, w), fmt.Sprintf("L%d-%d", l-1, (w+1)%width)}
					}
					if err := dag.AddJob(job); err != nil {
						t.Fatal(err)
					}
				}
			}

			report := run(t, newRunner(t, dir, maxParallel, nil), dag)
			if !report.OK() {
				t.Fatalf("run failed: %+v", report.Failed())
			}
			if int(peak.Load()) > maxParallel {
				t.Errorf("peak in-flight = %d, max_parallel %d", peak.Load(), maxParallel)
			}

			byID := make(map[string]JobReport)
			for _, j := range report.Jobs {
				byID[j.ID] = j
			}
			for _, job := range dag.Jobs() {
				for _, dep := range job.DependsOn {
					if byID[job.ID].Dispatched.Before(byID[dep].Finished) {
						t.Errorf("%s dispatched before %s finished", job.ID, dep)
					}
				}
			}
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	dir := t.TempDir()
	dag := scheduler.NewDAG()
	dag.AddJob(&scheduler.Job{
		ID:        "slow",
		Rule:      "slow",
		Outputs:   []string{"slow.out"},
		Resources: rule.Resources{Timeout: 50 * time.Millisecond},
		Body: rule.BodyFunc(func(ctx context.Context, _ *rule.TaskContext) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	dag.AddJob(&scheduler.Job{ID: "after", Rule: "after", Outputs: []string{"after.out"}, DependsOn: []string{"slow"}, Body: produce(&calls{})})

	report := run(t, newRunner(t, dir, 2, nil), dag)
	slow, _ := report.Job("slow")
	if slow.Status != scheduler.JobFailed || !errors.Is(slow.Err, scheduler.ErrTimeout) {
		t.Errorf("slow = %s (%v), want failed with ErrTimeout", slow.Status, slow.Err)
	}
	if after, _ := report.Job("after"); after.Status != scheduler.JobUpstreamFailed {
		t.Errorf("after = %s, want upstream-failed", after.Status)
	}
	if marker.NewStore(dir).Exists("slow.out") {
		t.Error("marker written for a timed out job")
	}
}

func TestRunner_Cancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	dag := scheduler.NewDAG()
	dag.AddJob(&scheduler.Job{
		ID:      "long",
		Rule:    "long",
		Outputs: []string{"long.out"},
		Body: rule.BodyFunc(func(ctx context.Context, tc *rule.TaskContext) error {
			// Leave a partial output behind, as a killed tool would.
			os.WriteFile(filepath.Join(tc.Dir, "long.out"), []byte("partial"), 0o644)
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	dag.AddJob(&scheduler.Job{ID: "next", Rule: "next", Outputs: []string{"next.out"}, DependsOn: []string{"long"}, Body: produce(&calls{})})

	go func() {
		<-started
		cancel()
	}()

	report, err := newRunner(t, dir, 2, nil).Run(ctx, dag)
	if !errors.Is(err, scheduler.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if !report.Cancelled || report.OK() {
		t.Error("report should be cancelled and not OK")
	}
	for _, id := range []string{"long", "next"} {
		if j, _ := report.Job(id); j.Status != scheduler.JobCancelled {
			t.Errorf("%s status = %s, want cancelled", id, j.Status)
		}
	}
	if marker.NewStore(dir).Exists("long.out") {
		t.Error("marker written for a cancelled job")
	}
}

func TestRunner_MissingOutputs(t *testing.T) {
	dir := t.TempDir()
	dag := scheduler.NewDAG()
	dag.AddJob(&scheduler.Job{
		ID:      "liar",
		Rule:    "liar",
		Outputs: []string{"x.out", "y.out"},
		Body: rule.BodyFunc(func(_ context.Context, tc *rule.TaskContext) error {
			return os.WriteFile(filepath.Join(tc.Dir, "x.out"), nil, 0o644)
		}),
	})

	report := run(t, newRunner(t, dir, 1, nil), dag)
	j, _ := report.Job("liar")
	if j.Status != scheduler.JobFailed || !strings.Contains(j.Err.Error(), "missing outputs: y.out") {
		t.Errorf("liar = %s (%v), want failed with missing outputs", j.Status, j.Err)
	}
	if marker.NewStore(dir).Exists("x.out") {
		t.Error("marker written despite missing outputs")
	}
}

// TestRunner_StaleMarkerRemovedBeforeBody verifies a body never observes the
// previous marker of its own job.
func TestRunner_StaleMarkerRemovedBeforeBody(t *testing.T) {
	dir := t.TempDir()
	store := marker.NewStore(dir)

	var sawMarker atomic.Bool
	dag := scheduler.NewDAG()
	dag.AddJob(&scheduler.Job{
		ID:      "job",
		Rule:    "job",
		Outputs: []string{"sub/out.txt"},
		Mkdir:   []string{"scratch"},
		Body: rule.BodyFunc(func(_ context.Context, tc *rule.TaskContext) error {
			sawMarker.Store(store.Exists("sub/out.txt"))
			if _, err := os.Stat(filepath.Join(tc.Dir, "scratch")); err != nil {
				return fmt.Errorf("mkdir entry not created: %w", err)
			}
			return os.WriteFile(filepath.Join(tc.Dir, "sub", "out.txt"), nil, 0o644)
		}),
	})
	if err := store.Write("sub/out.txt", marker.Record{JobID: "older-job"}); err != nil {
		t.Fatal(err)
	}

	report := run(t, newRunner(t, dir, 1, nil), dag)
	if !report.OK() {
		t.Fatalf("run failed: %+v", report.Failed())
	}
	if sawMarker.Load() {
		t.Error("body observed a stale marker")
	}
	rec, err := store.Read("sub/out.txt")
	if err != nil || rec.JobID != "job" || rec.Rule != "job" {
		t.Errorf("marker = %+v, %v", rec, err)
	}
}

func TestRunner_PhonyTarget(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	rules := append(chainRules(c), rule.Rule{
		Name:   "full",
		Kind:   rule.KindTarget,
		Inputs: []rule.Input{rule.Ref("c")},
	})

	report := run(t, newRunner(t, dir, 2, nil), resolve(t, dir, rules...))
	full, ok := report.Job("full")
	if !ok || full.Status != scheduler.JobSucceeded {
		t.Fatalf("full = %+v, want succeeded", full)
	}
	if report.Executed() != 3 {
		t.Errorf("Executed() = %d, want 3 (phony job is not a body)", report.Executed())
	}

	report = run(t, newRunner(t, dir, 2, nil), resolve(t, dir, rules...))
	if full, _ := report.Job("full"); full.Status != scheduler.JobSkipped {
		t.Errorf("second run full = %s, want skipped", full.Status)
	}
}

func TestRunner_Events(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.SubscribeAll(256)

	dag := scheduler.NewDAG()
	dag.AddJob(&scheduler.Job{
		ID:      "talk",
		Rule:    "talk",
		Outputs: []string{"talk.out"},
		Body: rule.BodyFunc(func(_ context.Context, tc *rule.TaskContext) error {
			fmt.Fprintln(tc.Stdout, "hello")
			fmt.Fprint(tc.Stdout, "partial")
			return os.WriteFile(filepath.Join(tc.Dir, "talk.out"), nil, 0o644)
		}),
	})

	report := run(t, newRunner(t, dir, 1, bus), dag)

	var types []string
	var lines []string
	for {
		ev := <-ch
		types = append(types, ev.EventType())
		if out, ok := ev.(events.JobOutputEvent); ok {
			lines = append(lines, out.Line)
		}
		if fin, ok := ev.(events.RunFinishedEvent); ok {
			if fin.RunID != report.RunID || !fin.OK {
				t.Errorf("RunFinishedEvent = %+v", fin)
			}
			break
		}
	}

	for _, want := range []string{events.EventTypeJobStarted, events.EventTypeJobSucceeded, events.EventTypeDAGProgress} {
		found := false
		for _, got := range types {
			found = found || got == want
		}
		if !found {
			t.Errorf("missing %s event in %v", want, types)
		}
	}
	if strings.Join(lines, "|") != "hello|partial" {
		t.Errorf("output lines = %q", lines)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Markers: marker.NewStore("")}); err == nil {
		t.Error("expected error without executor")
	}
	if _, err := New(Config{Executor: scheduler.NewLocalExecutor(1)}); err == nil {
		t.Error("expected error without marker store")
	}
	r, err := New(Config{Executor: scheduler.NewLocalExecutor(1), Markers: marker.NewStore("")})
	if err != nil || r.config.MaxParallel != 4 {
		t.Errorf("New() = %+v, %v", r, err)
	}
}
