// Package scheduler runs jobs on per-kind intervals, with retries, manual
// triggers and at most one execution per kind at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

var (
	// ErrJobRunning is returned when a job of the same kind is in flight.
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned for a kind with no registered job.
	ErrUnknownJob = errors.New("unknown job")
)

// Tracker opens and closes run records.
type Tracker interface {
	Start(ctx context.Context, kind domain.JobKind, trigger domain.Trigger) (domain.ScrapeRun, error)
	Execute(ctx context.Context, run domain.ScrapeRun, fn func(ctx context.Context) (runs.Outcome, error)) (domain.ScrapeRun, error)
}

// Config controls timing and retries.
type Config struct {
	// Intervals per kind; zero disables scheduled runs of that kind.
	Intervals      map[domain.JobKind]time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Tick           time.Duration
	RunImmediately bool
}

// JobStatus is a point-in-time view of one job kind.
type JobStatus struct {
	Kind       domain.JobKind   `json:"kind"`
	Interval   time.Duration    `json:"interval"`
	Running    bool             `json:"running"`
	NextRun    *time.Time       `json:"next_run,omitempty"`
	LastStatus domain.RunStatus `json:"last_status,omitempty"`
	LastRun    *time.Time       `json:"last_run,omitempty"`
}

type jobState struct {
	job      jobs.Job
	interval time.Duration

	mu         sync.Mutex
	running    bool
	nextDue    time.Time
	lastStatus domain.RunStatus
	lastRun    time.Time
}

// acquire moves the state from idle to running.
func (st *jobState) acquire() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running {
		return false
	}
	st.running = true
	return true
}

func (st *jobState) release(status domain.RunStatus, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.running = false
	if status != "" {
		st.lastStatus = status
		st.lastRun = at
	}
}

// Scheduler dispatches registered jobs.
type Scheduler struct {
	states  map[domain.JobKind]*jobState
	order   []domain.JobKind
	cfg     Config
	tracker Tracker
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	// lifetime is the parent context of asynchronous runs; cancelled when
	// Run returns.
	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New creates a scheduler for the given jobs. Jobs are dispatched in the
// order given.
func New(jobList []jobs.Job, cfg Config, tracker Tracker, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	lifetime, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		states:   make(map[domain.JobKind]*jobState, len(jobList)),
		cfg:      cfg,
		tracker:  tracker,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		lifetime: lifetime,
		stop:     stop,
	}
	for _, j := range jobList {
		s.states[j.Kind()] = &jobState{job: j, interval: cfg.Intervals[j.Kind()]}
		s.order = append(s.order, j.Kind())
	}
	return s
}

// Run polls for due jobs every tick until ctx is cancelled, then cancels
// in-flight jobs and waits for them to close their runs.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now()
	for _, kind := range s.order {
		st := s.states[kind]
		if st.interval <= 0 {
			continue
		}
		st.mu.Lock()
		if s.cfg.RunImmediately {
			st.nextDue = now
		} else {
			st.nextDue = now.Add(st.interval)
		}
		st.mu.Unlock()
		s.logger.Info("job scheduled", "job", kind, "interval", st.interval.String())
	}

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.started.Store(true)
	s.logger.Info("scheduler started", "tick", s.cfg.Tick.String(), "run_immediately", s.cfg.RunImmediately)

	s.dispatchDue(domain.TriggerStartup)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for running jobs", "reason", ctx.Err())
			s.stop()
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.dispatchDue(domain.TriggerSchedule)
		}
	}
}

// dispatchDue starts every enabled job whose next run time has passed. A
// kind that is still running is left for the next tick.
func (s *Scheduler) dispatchDue(trigger domain.Trigger) {
	now := s.clock.Now()
	for _, kind := range s.order {
		st := s.states[kind]
		if st.interval <= 0 {
			continue
		}
		st.mu.Lock()
		due := !now.Before(st.nextDue)
		if due && !st.running {
			st.running = true
			st.nextDue = now.Add(st.interval)
		} else {
			due = false
		}
		st.mu.Unlock()
		if !due {
			continue
		}

		run, err := s.tracker.Start(s.lifetime, kind, trigger)
		if err != nil {
			s.logger.Error("open run failed", "job", kind, "error", err)
			st.release("", time.Time{})
			continue
		}
		s.spawn(st, run, jobs.Options{})
	}
}

func (s *Scheduler) spawn(st *jobState, run domain.ScrapeRun, opts jobs.Options) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(s.lifetime, st, run, opts)
	}()
}

// TriggerJob opens a manual run of kind and executes it in the background.
// It returns the opened run, or ErrJobRunning when the kind is busy.
func (s *Scheduler) TriggerJob(ctx context.Context, kind domain.JobKind, opts jobs.Options) (domain.ScrapeRun, error) {
	st, ok := s.states[kind]
	if !ok {
		return domain.ScrapeRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	}
	if !st.acquire() {
		return domain.ScrapeRun{}, fmt.Errorf("%w: %s", ErrJobRunning, kind)
	}
	run, err := s.tracker.Start(ctx, kind, domain.TriggerManual)
	if err != nil {
		st.release("", time.Time{})
		return domain.ScrapeRun{}, err
	}
	s.logger.Info("job triggered", "job", kind, "run_id", run.ID, "force", opts.Force)
	s.spawn(st, run, opts)
	return run, nil
}

// RunNow executes kind synchronously on ctx and returns the closed run.
func (s *Scheduler) RunNow(ctx context.Context, kind domain.JobKind, opts jobs.Options) (domain.ScrapeRun, error) {
	st, ok := s.states[kind]
	if !ok {
		return domain.ScrapeRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	}
	if !st.acquire() {
		return domain.ScrapeRun{}, fmt.Errorf("%w: %s", ErrJobRunning, kind)
	}
	run, err := s.tracker.Start(ctx, kind, domain.TriggerManual)
	if err != nil {
		st.release("", time.Time{})
		return domain.ScrapeRun{}, err
	}
	return s.execute(ctx, st, run, opts)
}

// execute runs the job with retries inside the opened run and returns the
// state to idle.
func (s *Scheduler) execute(ctx context.Context, st *jobState, run domain.ScrapeRun, opts jobs.Options) (domain.ScrapeRun, error) {
	kind := st.job.Kind()
	s.metrics.JobRunning.WithLabelValues(string(kind)).Set(1)
	defer s.metrics.JobRunning.WithLabelValues(string(kind)).Set(0)

	closed, err := s.tracker.Execute(ctx, run, func(ctx context.Context) (runs.Outcome, error) {
		return s.attempt(ctx, st.job, opts)
	})
	st.release(closed.Status, s.clock.Now())
	return closed, err
}

// attempt runs job up to MaxRetries times, waiting RetryDelay on the clock
// between attempts. Cancellation ends the retries.
func (s *Scheduler) attempt(ctx context.Context, job jobs.Job, opts jobs.Options) (runs.Outcome, error) {
	kind := string(job.Kind())
	var out runs.Outcome
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		out, err = job.Run(ctx, opts)
		out.Attempts = attempt
		if err == nil {
			s.metrics.JobAttempts.WithLabelValues(kind, "success").Inc()
			return out, nil
		}
		s.metrics.JobAttempts.WithLabelValues(kind, "error").Inc()
		s.logger.Warn("job attempt failed",
			"job", kind, "attempt", attempt, "max_attempts", s.cfg.MaxRetries, "error", err)

		if ctx.Err() != nil || attempt == s.cfg.MaxRetries {
			break
		}
		if !sleepWithClock(ctx, s.clock, s.cfg.RetryDelay) {
			break
		}
	}
	return out, err
}

// History is the persisted run history.
type History interface {
	LastFinishedRun(ctx context.Context, kind domain.JobKind) (domain.ScrapeRun, error)
}

// LoadHistory seeds the last status of every job from persisted runs, so a
// restarted scheduler still reports how each kind last ended. Kinds that
// already ran in this process are left alone.
func (s *Scheduler) LoadHistory(ctx context.Context, h History) error {
	for _, kind := range s.order {
		run, err := h.LastFinishedRun(ctx, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load last %s run: %w", kind, err)
		}
		at := run.StartedAt
		if run.FinishedAt != nil {
			at = *run.FinishedAt
		}
		st := s.states[kind]
		st.mu.Lock()
		if st.lastStatus == "" {
			st.lastStatus = run.Status
			st.lastRun = at
		}
		st.mu.Unlock()
	}
	return nil
}

// Status reports the state of every registered job.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.order))
	for _, kind := range s.order {
		st := s.states[kind]
		st.mu.Lock()
		js := JobStatus{
			Kind:       kind,
			Interval:   st.interval,
			Running:    st.running,
			LastStatus: st.lastStatus,
		}
		if st.interval > 0 && !st.nextDue.IsZero() {
			next := st.nextDue
			js.NextRun = &next
		}
		if !st.lastRun.IsZero() {
			last := st.lastRun
			js.LastRun = &last
		}
		st.mu.Unlock()
		out = append(out, js)
	}
	return out
}

// CheckReadiness returns nil once the poll loop has started.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.started.Load() {
		return errors.New("scheduler has not started")
	}
	return nil
}

func sleepWithClock(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
