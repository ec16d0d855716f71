package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/ruleflow/internal/rule"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		wantCycle   bool
		errContains string
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A"})
				dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
				dag.AddJob(&Job{ID: "C", DependsOn: []string{"B"}})
				return dag
			},
		},
		{
			name: "fan-in",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A"})
				dag.AddJob(&Job{ID: "B"})
				dag.AddJob(&Job{ID: "C", DependsOn: []string{"A", "B"}})
				return dag
			},
		},
		{
			name: "empty",
			setup: func() *DAG {
				return NewDAG()
			},
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A", DependsOn: []string{"B"}})
				dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:   true,
			wantCycle: true,
		},
		{
			name: "transitive cycle behind a root",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "R"})
				dag.AddJob(&Job{ID: "A", DependsOn: []string{"R", "C"}})
				dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
				dag.AddJob(&Job{ID: "C", DependsOn: []string{"B"}})
				return dag
			},
			wantErr:   true,
			wantCycle: true,
		},
		{
			name: "self-loop",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A", DependsOn: []string{"A"}})
				return dag
			},
			wantErr:   true,
			wantCycle: true,
		},
		{
			name: "missing dependency",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A", DependsOn: []string{"nonexistent"}})
				return dag
			},
			wantErr:     true,
			errContains: "nonexistent",
		},
		{
			name: "disconnected components",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddJob(&Job{ID: "A"})
				dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
				dag.AddJob(&Job{ID: "C"})
				dag.AddJob(&Job{ID: "D", DependsOn: []string{"C"}})
				return dag
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := tt.setup()
			order, err := dag.Validate()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantCycle && !errors.Is(err, ErrCycleDetected) {
				t.Errorf("expected ErrCycleDetected, got %v", err)
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.errContains)
			}
			if err == nil && len(order) != dag.Len() {
				t.Errorf("Validate() returned %d IDs, want %d", len(order), dag.Len())
			}
		})
	}
}

func TestDAGAddJob_Duplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddJob(&Job{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := dag.AddJob(&Job{ID: "A"}); err == nil {
		t.Fatal("expected error when adding duplicate job ID")
	}
}

// TestDAGEligible tests which jobs are handed to the dispatcher.
func TestDAGEligible(t *testing.T) {
	tests := []struct {
		name        string
		jobs        []*Job
		expectedIDs []string
	}{
		{
			name: "roots are eligible",
			jobs: []*Job{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A"}},
			},
			expectedIDs: []string{"A", "B"},
		},
		{
			name: "success unlocks dependents",
			jobs: []*Job{
				{ID: "A", Status: JobSucceeded},
				{ID: "B", DependsOn: []string{"A"}},
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "up to date dependency counts as done",
			jobs: []*Job{
				{ID: "A", Status: JobSkipped},
				{ID: "B", DependsOn: []string{"A"}},
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "partial completion",
			jobs: []*Job{
				{ID: "A", Status: JobSucceeded},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A", "B"}},
			},
			expectedIDs: []string{"B"},
		},
		{
			name: "running dependency blocks",
			jobs: []*Job{
				{ID: "A", Status: JobRunning},
				{ID: "B", DependsOn: []string{"A"}},
			},
			expectedIDs: nil,
		},
		{
			name: "failed dependency blocks",
			jobs: []*Job{
				{ID: "A", Status: JobFailed},
				{ID: "B", DependsOn: []string{"A"}},
			},
			expectedIDs: nil,
		},
		{
			name: "ready and running jobs are not re-offered",
			jobs: []*Job{
				{ID: "A", Status: JobReady},
				{ID: "B", Status: JobRunning},
			},
			expectedIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			for _, job := range tt.jobs {
				dag.AddJob(job)
			}
			if _, err := dag.Validate(); err != nil {
				t.Fatal(err)
			}

			eligible := dag.Eligible()
			if len(eligible) != len(tt.expectedIDs) {
				t.Fatalf("Eligible() returned %d jobs, expected %d", len(eligible), len(tt.expectedIDs))
			}
			found := make(map[string]bool)
			for _, job := range eligible {
				found[job.ID] = true
			}
			for _, id := range tt.expectedIDs {
				if !found[id] {
					t.Errorf("Expected job %q to be eligible, but it wasn't", id)
				}
			}
		})
	}
}

// TestDAGMarkTransitions tests state transition methods.
func TestDAGMarkTransitions(t *testing.T) {
	t.Run("ready then running records dispatch time", func(t *testing.T) {
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A"})

		if err := dag.MarkRunning("A", time.Now()); err == nil {
			t.Error("MarkRunning() on a pending job should fail")
		}
		if err := dag.MarkReady("A"); err != nil {
			t.Fatalf("MarkReady() error = %v", err)
		}
		at := time.Now()
		if err := dag.MarkRunning("A", at); err != nil {
			t.Fatalf("MarkRunning() error = %v", err)
		}

		job, _ := dag.Get("A")
		if job.Status != JobRunning || !job.Dispatched.Equal(at) {
			t.Errorf("job = %s dispatched %v, want running at %v", job.Status, job.Dispatched, at)
		}
	})

	t.Run("MarkReady rejects unfinished dependencies", func(t *testing.T) {
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A"})
		dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})

		if err := dag.MarkReady("B"); err == nil {
			t.Error("MarkReady() should refuse a job whose dependency has not finished")
		}
	})

	t.Run("MarkFailed marks descendants upstream-failed", func(t *testing.T) {
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A", Status: JobRunning})
		dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
		dag.AddJob(&Job{ID: "C", DependsOn: []string{"B"}})
		dag.AddJob(&Job{ID: "D"})

		testErr := errors.New("boom")
		marked, err := dag.MarkFailed("A", testErr, time.Now())
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		if strings.Join(marked, ",") != "B,C" {
			t.Errorf("marked = %v, want [B C]", marked)
		}

		a, _ := dag.Get("A")
		if a.Status != JobFailed || a.Error != testErr {
			t.Errorf("A = %s / %v", a.Status, a.Error)
		}
		for _, id := range []string{"B", "C"} {
			job, _ := dag.Get(id)
			if job.Status != JobUpstreamFailed {
				t.Errorf("%s status = %s, want upstream-failed", id, job.Status)
			}
		}
		d, _ := dag.Get("D")
		if d.Status != JobPending {
			t.Errorf("unrelated job D status = %s, want pending", d.Status)
		}
	})

	t.Run("transitions on non-existent job return error", func(t *testing.T) {
		dag := NewDAG()

		err := dag.MarkReady("nonexistent")
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("MarkReady() error = %v, want not found", err)
		}
		if _, err := dag.MarkFailed("nonexistent", nil, time.Now()); err == nil {
			t.Error("MarkFailed() on missing job should fail")
		}
	})

	t.Run("Get returns a copy", func(t *testing.T) {
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A", Outputs: []string{"a.txt"}})

		job, exists := dag.Get("A")
		if !exists {
			t.Fatal("Get() exists = false, want true")
		}
		job.Outputs[0] = "mutated"
		job.Status = JobFailed

		again, _ := dag.Get("A")
		if again.Outputs[0] != "a.txt" || again.Status != JobPending {
			t.Error("mutating a returned job changed the DAG")
		}

		if _, exists := dag.Get("nonexistent"); exists {
			t.Error("Get() exists = true for nonexistent job, want false")
		}
	})

	t.Run("Counts and WithStatus", func(t *testing.T) {
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A", Status: JobSkipped})
		dag.AddJob(&Job{ID: "B", Status: JobSkipped})
		dag.AddJob(&Job{ID: "C"})

		counts := dag.Counts()
		if counts[JobSkipped] != 2 || counts[JobPending] != 1 {
			t.Errorf("Counts() = %v", counts)
		}
		if got := dag.WithStatus(JobSkipped); len(got) != 2 {
			t.Errorf("WithStatus(skipped) returned %d jobs", len(got))
		}
	})
}

// TestDAGComplexScenarios tests more complex real-world scenarios.
func TestDAGComplexScenarios(t *testing.T) {
	t.Run("diamond dependency pattern", func(t *testing.T) {
		// A -> B -> D
		// A -> C -> D
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A"})
		dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
		dag.AddJob(&Job{ID: "C", DependsOn: []string{"A"}})
		dag.AddJob(&Job{ID: "D", DependsOn: []string{"B", "C"}})

		order, err := dag.Validate()
		if err != nil {
			t.Fatalf("Validate() error = %v, want nil", err)
		}
		if order[0] != "A" || order[len(order)-1] != "D" {
			t.Errorf("unexpected order %v", order)
		}

		eligible := dag.Eligible()
		if len(eligible) != 1 || eligible[0].ID != "A" {
			t.Fatalf("Initially only A should be eligible")
		}

		dag.MarkSucceeded("A", time.Now())
		if eligible = dag.Eligible(); len(eligible) != 2 {
			t.Errorf("After A completes, B and C should be eligible, got %d jobs", len(eligible))
		}

		dag.MarkSucceeded("B", time.Now())
		dag.MarkSkipped("C")
		eligible = dag.Eligible()
		if len(eligible) != 1 || eligible[0].ID != "D" {
			t.Errorf("After B and C finish, D should be eligible")
		}

		if got := dag.Descendants("A"); strings.Join(got, ",") != "B,C,D" {
			t.Errorf("Descendants(A) = %v", got)
		}
		if got := dag.Dependents("A"); len(got) != 2 {
			t.Errorf("Dependents(A) = %v", got)
		}
	})

	t.Run("subgraph keeps ancestors only", func(t *testing.T) {
		// A -> B -> C, A -> D, E
		dag := NewDAG()
		dag.AddJob(&Job{ID: "A"})
		dag.AddJob(&Job{ID: "B", DependsOn: []string{"A"}})
		dag.AddJob(&Job{ID: "C", DependsOn: []string{"B"}})
		dag.AddJob(&Job{ID: "D", DependsOn: []string{"A"}})
		dag.AddJob(&Job{ID: "E"})

		sub, err := dag.Subgraph([]string{"B"})
		if err != nil {
			t.Fatalf("Subgraph() error = %v", err)
		}
		var ids []string
		for _, job := range sub.Jobs() {
			ids = append(ids, job.ID)
		}
		if strings.Join(ids, ",") != "A,B" {
			t.Errorf("Subgraph(B) = %v, want [A B]", ids)
		}

		if _, err := dag.Subgraph([]string{"missing"}); !errors.Is(err, ErrUnknownTarget) {
			t.Errorf("expected ErrUnknownTarget, got %v", err)
		}
	})
}

func TestJobID_Deterministic(t *testing.T) {
	a := JobID("count", []string{"data/s1.fq"}, []string{"count.dir/s1.counts"})
	b := JobID("count", []string{"data/s1.fq"}, []string{"count.dir/s1.counts"})
	c := JobID("count", []string{"data/s2.fq"}, []string{"count.dir/s2.counts"})

	if a != b {
		t.Errorf("same invocation produced different IDs: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different inputs produced the same ID")
	}
	if !strings.HasPrefix(a, "count-") {
		t.Errorf("ID %q should start with the rule name", a)
	}

	// Moving a path between inputs and outputs must change identity.
	if JobID("r", []string{"x"}, nil) == JobID("r", nil, []string{"x"}) {
		t.Error("inputs and outputs are not distinguished")
	}
}

func TestJobStatus(t *testing.T) {
	if JobUpstreamFailed.String() != "upstream-failed" {
		t.Errorf("String() = %q", JobUpstreamFailed.String())
	}
	for _, s := range []JobStatus{JobPending, JobReady, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobSucceeded, JobFailed, JobSkipped, JobUpstreamFailed, JobCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	job := &Job{Kind: rule.KindTarget}
	if !job.Phony() || job.Primary() != "" {
		t.Error("target jobs are phony and have no primary output")
	}
}

func TestDAGValidate_OrderIsDeterministic(t *testing.T) {
	build := func() *DAG {
		dag := NewDAG()
		for _, id := range []string{"e", "c", "a", "d", "b"} {
			dag.AddJob(&Job{ID: id})
		}
		dag.AddJob(&Job{ID: "z", DependsOn: []string{"a"}})
		dag.AddJob(&Job{ID: "m", DependsOn: []string{"z", "b"}})
		dag.AddJob(&Job{ID: "k", DependsOn: []string{"c"}})
		return dag
	}
	want := "a,b,c,d,e,k,z,m"

	for i := 0; i < 50; i++ {
		order, err := build().Validate()
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(order, ","); got != want {
			t.Fatalf("Validate() order = %s, want %s", got, want)
		}
	}
}
