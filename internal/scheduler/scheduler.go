// Package scheduler owns the one loop that runs sweeps, retention passes and
// other exclusive maintenance, so none of them ever overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/ingest"
	"github.com/bryan-buckman/telereader/internal/retention"
)

// DefaultSweepTimeout bounds a scheduled sweep.
const DefaultSweepTimeout = 10 * time.Minute

var (
	// ErrNotRunning is returned for work submitted before Start.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrStopped is returned for work submitted after, or queued during, Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// State is the scheduler's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reconciler runs sweeps.
type Reconciler interface {
	Reconcile(ctx context.Context, scope ingest.Scope) (*ingest.Report, error)
}

// Pruner applies retention.
type Pruner interface {
	Prune(ctx context.Context, policy retention.Policy) (retention.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	// Retention runs after every scheduled sweep when enabled.
	Retention    retention.Policy
	SweepTimeout time.Duration
}

type result struct {
	value any
	err   error
}

type job struct {
	name  string
	run   func(ctx context.Context) (any, error)
	ctx   context.Context
	reply chan result
}

// Scheduler serializes all jobs on one goroutine.
type Scheduler struct {
	engine Reconciler
	pruner Pruner
	opts   Options
	logger *zap.Logger

	jobs     chan job
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	state      State
	started    bool
	lastReport *ingest.Report
}

// New creates a scheduler. It does nothing until Start.
func New(engine Reconciler, pruner Pruner, opts Options, logger *zap.Logger) *Scheduler {
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = DefaultSweepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:  engine,
		pruner:  pruner,
		opts:    opts,
		logger:  logger,
		jobs:    make(chan job, 16),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the loop. A positive interval also schedules a full sweep
// every interval; zero disables periodic sweeps.
func (s *Scheduler) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped || s.state == StopRequested {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	go s.loop(interval)
	s.logger.Info("scheduler started", zap.Duration("interval", interval))
	return nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReport returns the report of the most recent sweep, if any.
func (s *Scheduler) LastReport() *ingest.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// TriggerNow asks for a full sweep as soon as the loop is free. It returns
// false when a triggered sweep is already pending or the loop is not running.
func (s *Scheduler) TriggerNow() bool {
	if err := s.accepting(); err != nil {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Reconcile runs a sweep over scope on the loop and waits for its report.
func (s *Scheduler) Reconcile(ctx context.Context, scope ingest.Scope) (*ingest.Report, error) {
	v, err := s.submit(ctx, "reconcile", func(ctx context.Context) (any, error) {
		return s.sweep(ctx, scope)
	})
	report, _ := v.(*ingest.Report)
	return report, err
}

// Prune runs a retention pass on the loop.
func (s *Scheduler) Prune(ctx context.Context, policy retention.Policy) (retention.Result, error) {
	v, err := s.submit(ctx, "prune", func(ctx context.Context) (any, error) {
		return s.pruner.Prune(ctx, policy)
	})
	res, _ := v.(retention.Result)
	return res, err
}

// Exclusive runs fn on the loop, so no sweep or retention pass overlaps it.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := s.submit(ctx, "exclusive", func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Stop halts periodic sweeps, waits for the in-flight job and fails every
// queued job with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	if s.state != Stopped {
		s.state = StopRequested
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	if started {
		<-s.done
		return
	}
	s.setState(Stopped)
}

func (s *Scheduler) accepting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StopRequested || s.state == Stopped:
		return ErrStopped
	case !s.started:
		return ErrNotRunning
	}
	return nil
}

func (s *Scheduler) submit(ctx context.Context, name string, run func(ctx context.Context) (any, error)) (any, error) {
	if err := s.accepting(); err != nil {
		return nil, err
	}
	reply := make(chan result, 1)
	select {
	case s.jobs <- job{name: name, run: run, ctx: ctx, reply: reply}:
	case <-s.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-s.done:
		select {
		case r := <-reply:
			return r.value, r.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) loop(interval time.Duration) {
	defer close(s.done)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		// Stop wins over any pending work.
		select {
		case <-s.stop:
			s.shutdown()
			return
		default:
		}

		select {
		case <-s.stop:
			s.shutdown()
			return
		case <-tick:
			s.scheduledSweep("periodic", true)
		case <-s.trigger:
			s.scheduledSweep("triggered", false)
		case j := <-s.jobs:
			s.runJob(j)
		}
	}
}

func (s *Scheduler) shutdown() {
	for {
		select {
		case j := <-s.jobs:
			j.reply <- result{err: ErrStopped}
		default:
			s.setState(Stopped)
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) runJob(j job) {
	s.setRunning(true)
	defer s.setRunning(false)

	if err := j.ctx.Err(); err != nil {
		j.reply <- result{err: err}
		return
	}
	start := time.Now()
	v, err := j.run(j.ctx)
	s.logger.Debug("job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)), zap.Error(err))
	j.reply <- result{value: v, err: err}
}

// scheduledSweep runs a full sweep nobody waits for, followed by retention
// when requested and configured. Failures are logged; the next tick retries.
func (s *Scheduler) scheduledSweep(kind string, withRetention bool) {
	s.setRunning(true)
	defer s.setRunning(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SweepTimeout)
	defer cancel()

	if _, err := s.sweep(ctx, ingest.All); err != nil {
		s.logger.Error("scheduled sweep failed", zap.String("kind", kind), zap.Error(err))
	}

	if withRetention && s.pruner != nil && s.opts.Retention.Enabled() {
		if _, err := s.pruner.Prune(ctx, s.opts.Retention); err != nil {
			s.logger.Error("retention pass failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, scope ingest.Scope) (*ingest.Report, error) {
	report, err := s.engine.Reconcile(ctx, scope)
	if report != nil && scope.ChannelID == nil {
		s.mu.Lock()
		s.lastReport = report
		s.mu.Unlock()
	}
	return report, err
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StopRequested || s.state == Stopped {
		return
	}
	if running {
		s.state = Running
	} else {
		s.state = Idle
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
