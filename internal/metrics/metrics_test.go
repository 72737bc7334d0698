package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.StepEntered(schemas.WorkflowRun{CurrentStep: schemas.StepStarting})
	c.StepEntered(schemas.WorkflowRun{CurrentStep: schemas.StepConnecting})
	c.StepEntered(schemas.WorkflowRun{CurrentStep: schemas.StepStarting})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.steps.WithLabelValues("Starting")))

	c.RunFinished(&schemas.RunResult{
		Action: schemas.ActionPause, Outcome: schemas.OutcomePaused, Status: schemas.RunSucceeded,
		Success: true, DurationMs: 12000,
	})
	c.RunFinished(&schemas.RunResult{
		Action: schemas.ActionPause, Outcome: schemas.OutcomeSkipped, Status: schemas.RunSkipped,
		DurationMs: 200000, Refreshes: 1,
		Error: &schemas.ResultError{Code: schemas.ErrCodeStagnationSkipped},
	})

	assert.Zero(t, testutil.ToFloat64(c.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("pause", "paused", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("pause", "skipped", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("STAGNATION_SKIPPED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refresh))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.StepEntered(schemas.WorkflowRun{CurrentStep: schemas.StepStarting})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, ln, reg, zaptest.NewLogger(t)) }()

	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "subsentry_workflow_runs_active 1")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
