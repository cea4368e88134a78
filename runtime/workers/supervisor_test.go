package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyWorker struct {
	runs     atomic.Int32
	panics   int32
	finished chan struct{}
}

// Run panics for the first `panics` invocations, then completes cleanly.
func (w *flakyWorker) Run(ctx context.Context) error {
	n := w.runs.Add(1)
	if n <= w.panics {
		panic(fmt.Sprintf("boom %d", n))
	}
	close(w.finished)
	return nil
}

type blockingWorker struct {
	started chan struct{}
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return nil
}

func TestSupervisor_Restarts_Worker_After_Panic(t *testing.T) {
	req := require.New(t)
	worker := &flakyWorker{panics: 2, finished: make(chan struct{})}
	sup := NewSupervisor(slog.Default(), time.Millisecond)
	sup.Add(worker)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// Then the worker is restarted until it completes cleanly
	select {
	case <-worker.finished:
	case <-ctx.Done():
		req.Fail("worker never completed")
	}
	req.EqualValues(3, worker.runs.Load())

	// And a clean completion is never restarted
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("supervisor did not drain")
	}
	req.EqualValues(3, worker.runs.Load())
}

func TestSupervisor_Stop_Cancels_Workers(t *testing.T) {
	req := require.New(t)
	worker := &blockingWorker{started: make(chan struct{})}
	sup := NewSupervisor(slog.Default(), time.Millisecond)
	sup.Add(worker)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	// Given the worker is running
	select {
	case <-worker.started:
	case <-time.After(time.Second):
		req.Fail("worker never started")
	}

	// When the supervisor stops
	sup.Stop()

	// Then everything drains
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("supervisor did not stop")
	}
}
