// Package scheduler drives the recurring reconciliation, audit and alert
// delivery cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/dskeys/internal/audit"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/reconcile"
)

// Job names
const (
	JobReconcile = "reconcile"
	JobAudit     = "audit"
	JobAlerts    = "alerts"
)

// ErrRunning is returned by Start when the scheduler is already running
var ErrRunning = errors.New("scheduler already running")

// Config holds the cycle intervals. A zero or negative interval disables
// the cycle.
type Config struct {
	// ReconcileInterval is how often every due key is probed.
	// Default: 15 minutes
	ReconcileInterval time.Duration

	// AuditInterval is how often the vault audit runs.
	// Default: 6 hours
	AuditInterval time.Duration

	// RedeliveryInterval is how often undelivered alerts are retried.
	// Default: 30 seconds
	RedeliveryInterval time.Duration
}

// DefaultConfig returns the default intervals
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  15 * time.Minute,
		AuditInterval:      6 * time.Hour,
		RedeliveryInterval: 30 * time.Second,
	}
}

// Engine is what the scheduler drives
type Engine interface {
	ReconcileNow(ctx context.Context, ownerID string) (reconcile.Summary, error)
	TriggerAudit(ctx context.Context) (audit.Report, error)
	DeliverAlerts(ctx context.Context) (int, error)
}

// Job is one recurring cycle
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus reports the last outcome of a job
type JobStatus struct {
	Name      string
	Interval  time.Duration
	Runs      int
	LastRun   time.Time
	LastError string
}

// Scheduler runs jobs on their intervals
type Scheduler struct {
	clock  clock.Clock
	logger *logging.Logger
	jobs   []Job

	mu     sync.Mutex
	status map[string]*JobStatus
	// running serializes runs of the same job
	running map[string]*sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock sets the clock
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l.Named("scheduler") }
}

// WithJob adds a custom job
func WithJob(j Job) Option {
	return func(s *Scheduler) { s.jobs = append(s.jobs, j) }
}

// New creates a scheduler for the engine's three cycles
func New(cfg Config, engine Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.WallClock,
		logger:  logging.Discard(),
		status:  make(map[string]*JobStatus),
		running: make(map[string]*sync.Mutex),
	}
	if engine != nil {
		s.jobs = []Job{
			{Name: JobReconcile, Interval: cfg.ReconcileInterval, Run: func(ctx context.Context) error {
				sum, err := engine.ReconcileNow(ctx, "")
				if err == nil && sum.Checked+sum.Unknown > 0 {
					s.logger.Info("Reconciled %d keys: %d transitions, %d deferred, %d unknown",
						sum.Checked+sum.Unknown, sum.Transitions, sum.Deferred, sum.Unknown)
				}
				return err
			}},
			{Name: JobAudit, Interval: cfg.AuditInterval, Run: func(ctx context.Context) error {
				rep, err := engine.TriggerAudit(ctx)
				if err == nil {
					s.logger.Info("Audit finished: %d opened, %d resolved, %d open", len(rep.Opened), len(rep.Resolved), rep.Open)
				}
				return err
			}},
			{Name: JobAlerts, Interval: cfg.RedeliveryInterval, Run: func(ctx context.Context) error {
				_, err := engine.DeliverAlerts(ctx)
				return err
			}},
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, j := range s.jobs {
		s.status[j.Name] = &JobStatus{Name: j.Name, Interval: j.Interval}
		s.running[j.Name] = &sync.Mutex{}
	}
	return s
}

// Start launches one loop per enabled job
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			s.logger.Debug("Job %s disabled", j.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop cancels running jobs and waits for the loops to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(j.Interval):
			if err := s.run(ctx, j); err != nil && ctx.Err() == nil {
				s.logger.Warn("Job %s failed: %v", j.Name, err)
			}
		}
	}
}

// RunNow runs a job immediately, waiting for any scheduled run of the same
// job to finish first
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.run(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) run(ctx context.Context, j Job) (err error) {
	lock := s.running[j.Name]
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		s.mu.Lock()
		st := s.status[j.Name]
		st.Runs++
		st.LastRun = s.clock.Now().UTC()
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	return j.Run(ctx)
}

// Status returns a snapshot of every job, sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
