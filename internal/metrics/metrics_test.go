package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_JobLifecycle(t *testing.T) {
	c := NewCollector()

	c.JobStarted()
	c.JobStarted()
	if got := testutil.ToFloat64(c.running); got != 2 {
		t.Errorf("running = %v, want 2", got)
	}

	c.JobFinished("count", OutcomeSucceeded, 2*time.Second)
	c.JobFinished("count", OutcomeFailed, time.Second)
	c.JobNotRun("merge_counts", OutcomeUpstreamFailed)

	if got := testutil.ToFloat64(c.running); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.jobs.WithLabelValues("count", OutcomeSucceeded)); got != 1 {
		t.Errorf("succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.jobs.WithLabelValues("merge_counts", OutcomeUpstreamFailed)); got != 1 {
		t.Errorf("upstream_failed = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.duration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestCollector_RunFinished(t *testing.T) {
	c := NewCollector()
	c.RunFinished(true, false)
	c.RunFinished(false, false)
	c.RunFinished(false, true)

	for _, result := range []string{"ok", "failed", "cancelled"} {
		if got := testutil.ToFloat64(c.runs.WithLabelValues(result)); got != 1 {
			t.Errorf("runs{result=%q} = %v, want 1", result, got)
		}
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.JobStarted()
	c.JobFinished("r", OutcomeSucceeded, time.Second)
	c.JobNotRun("r", OutcomeSkipped)
	c.RunFinished(true, false)
	c.StaleJobs(3)
	if c.Registry() != nil {
		t.Error("nil collector should have no registry")
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.JobNotRun("count", OutcomeSkipped)
	c.StaleJobs(4)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`ruleflow_jobs_total{outcome="skipped",rule="count"} 1`,
		`ruleflow_stale_jobs 4`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
