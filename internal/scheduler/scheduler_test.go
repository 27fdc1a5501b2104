package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/telereader/internal/ingest"
	"github.com/bryan-buckman/telereader/internal/retention"
)

type fakeEngine struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	started  chan struct{}
	gate     chan struct{}
	err      error
}

func (e *fakeEngine) Reconcile(ctx context.Context, scope ingest.Scope) (*ingest.Report, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	e.calls.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}
	return &ingest.Report{ID: "sweep"}, e.err
}

type fakePruner struct {
	calls  atomic.Int32
	policy retention.Policy
	mu     sync.Mutex
}

func (p *fakePruner) Prune(ctx context.Context, policy retention.Policy) (retention.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
	return retention.Result{Items: 3}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestNotStarted(t *testing.T) {
	s := New(&fakeEngine{}, &fakePruner{}, Options{}, nil)
	_, err := s.Reconcile(context.Background(), ingest.All)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, s.TriggerNow())
	assert.Equal(t, Idle, s.State())
}

func TestReconcileReturnsReport(t *testing.T) {
	engine := &fakeEngine{}
	s := New(engine, &fakePruner{}, Options{}, nil)
	require.NoError(t, s.Start(0))
	defer s.Stop()

	report, err := s.Reconcile(context.Background(), ingest.All)
	require.NoError(t, err)
	assert.Equal(t, "sweep", report.ID)
	assert.Same(t, report, s.LastReport())
}

func TestReconcilePropagatesSweepError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("auth")}
	s := New(engine, &fakePruner{}, Options{}, nil)
	require.NoError(t, s.Start(0))
	defer s.Stop()

	report, err := s.Reconcile(context.Background(), ingest.Channel(4))
	assert.EqualError(t, err, "auth")
	assert.NotNil(t, report)
	assert.Nil(t, s.LastReport())
}

func TestTriggerNowCoalesces(t *testing.T) {
	engine := &fakeEngine{started: make(chan struct{}, 4), gate: make(chan struct{})}
	s := New(engine, &fakePruner{}, Options{}, nil)
	require.NoError(t, s.Start(0))
	defer s.Stop()

	require.True(t, s.TriggerNow())
	<-engine.started
	waitFor(t, func() bool { return s.State() == Running })

	// One more may queue behind the running sweep; the rest coalesce.
	assert.True(t, s.TriggerNow())
	assert.False(t, s.TriggerNow())
	assert.False(t, s.TriggerNow())

	engine.gate <- struct{}{}
	<-engine.started
	engine.gate <- struct{}{}

	waitFor(t, func() bool { return s.State() == Idle })
	assert.EqualValues(t, 2, engine.calls.Load())
}

func TestExclusiveNeverOverlapsSweep(t *testing.T) {
	engine := &fakeEngine{started: make(chan struct{}, 1), gate: make(chan struct{})}
	s := New(engine, &fakePruner{}, Options{}, nil)
	require.NoError(t, s.Start(0))
	defer s.Stop()

	require.True(t, s.TriggerNow())
	<-engine.started

	var overlapped atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.Exclusive(context.Background(), func(ctx context.Context) error {
			overlapped.Store(engine.inFlight.Load() > 0)
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatal("exclusive job ran during a sweep")
	case <-time.After(30 * time.Millisecond):
	}
	engine.gate <- struct{}{}
	require.NoError(t, <-done)
	assert.False(t, overlapped.Load())
}

func TestPeriodicSweepRunsRetention(t *testing.T) {
	engine := &fakeEngine{}
	pruner := &fakePruner{}
	policy := retention.Policy{KeepPerChannel: 10}
	s := New(engine, pruner, Options{Retention: policy}, nil)
	require.NoError(t, s.Start(10*time.Millisecond))
	defer s.Stop()

	waitFor(t, func() bool { return engine.calls.Load() >= 2 && pruner.calls.Load() >= 2 })
	pruner.mu.Lock()
	assert.Equal(t, policy, pruner.policy)
	pruner.mu.Unlock()
}

func TestTriggeredSweepSkipsRetention(t *testing.T) {
	engine := &fakeEngine{}
	pruner := &fakePruner{}
	s := New(engine, pruner, Options{Retention: retention.Policy{MaxAge: time.Hour}}, nil)
	require.NoError(t, s.Start(0))
	defer s.Stop()

	require.True(t, s.TriggerNow())
	waitFor(t, func() bool { return engine.calls.Load() == 1 && s.State() == Idle })
	assert.Zero(t, pruner.calls.Load())

	res, err := s.Prune(context.Background(), retention.Policy{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Items)
}

func TestStopWaitsForInFlightAndFailsQueued(t *testing.T) {
	engine := &fakeEngine{started: make(chan struct{}, 1), gate: make(chan struct{})}
	s := New(engine, &fakePruner{}, Options{}, nil)
	require.NoError(t, s.Start(0))

	inflight := make(chan error, 1)
	go func() {
		_, err := s.Reconcile(context.Background(), ingest.All)
		inflight <- err
	}()
	<-engine.started

	queued := make(chan error, 1)
	go func() {
		queued <- s.Exclusive(context.Background(), func(ctx context.Context) error { return nil })
	}()
	// Let the exclusive job reach the queue.
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	waitFor(t, func() bool { return s.State() == StopRequested })

	select {
	case <-stopped:
		t.Fatal("Stop returned while a sweep was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	engine.gate <- struct{}{}
	<-stopped
	assert.NoError(t, <-inflight)
	assert.ErrorIs(t, <-queued, ErrStopped)
	assert.Equal(t, Stopped, s.State())

	_, err := s.Reconcile(context.Background(), ingest.All)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, s.TriggerNow())
	assert.ErrorIs(t, s.Start(0), ErrStopped)
	s.Stop()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "stop_requested", StopRequested.String())
}
