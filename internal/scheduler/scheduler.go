// Package scheduler runs the escrow background jobs on cron schedules:
// auto-release, deposit expiry, outbox dispatch and reconciliation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Engine is the part of the escrow service the jobs drive.
type Engine interface {
	AutoRelease(ctx context.Context) (int, error)
	ExpireDeposits(ctx context.Context) (int, error)
	ReconcileAll(ctx context.Context) (int, error)
}

// Dispatcher drains the event outbox.
type Dispatcher interface {
	RunOnce(ctx context.Context) (int, error)
}

// Specs are six-field cron expressions (seconds first). An empty spec
// disables the job.
type Specs struct {
	AutoRelease    string `yaml:"auto_release"`
	ExpireDeposits string `yaml:"expire_deposits"`
	DispatchEvents string `yaml:"dispatch_events"`
	Reconcile      string `yaml:"reconcile"`
}

// DefaultSpecs returns the production schedule.
func DefaultSpecs() Specs {
	return Specs{
		AutoRelease:    "0 */5 * * * *",
		ExpireDeposits: "0 0 * * * *",
		DispatchEvents: "*/10 * * * * *",
		Reconcile:      "0 30 3 * * *",
	}
}

// Job names.
const (
	JobAutoRelease    = "auto_release"
	JobExpireDeposits = "expire_deposits"
	JobDispatchEvents = "dispatch_events"
	JobReconcile      = "reconcile"
)

// Scheduler manages cron job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	jobs    map[string]func(ctx context.Context) (int, error)
}

// New registers the jobs whose spec is set. Each run gets its own context
// bounded by timeout; a run still going when the next tick fires is skipped.
func New(engine Engine, dispatcher Dispatcher, specs Specs, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		jobs: map[string]func(ctx context.Context) (int, error){
			JobAutoRelease:    engine.AutoRelease,
			JobExpireDeposits: engine.ExpireDeposits,
			JobReconcile:      engine.ReconcileAll,
		},
	}
	if dispatcher != nil {
		s.jobs[JobDispatchEvents] = dispatcher.RunOnce
	}

	for name, spec := range map[string]string{
		JobAutoRelease:    specs.AutoRelease,
		JobExpireDeposits: specs.ExpireDeposits,
		JobDispatchEvents: specs.DispatchEvents,
		JobReconcile:      specs.Reconcile,
	} {
		if spec == "" {
			continue
		}
		if _, ok := s.jobs[name]; !ok {
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(spec, func() { s.runWithRecovery(name) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
		}
		logger.Info("registered job", "job", name, "spec", spec)
	}
	return s, nil
}

// runWithRecovery wraps one job execution with panic recovery.
func (s *Scheduler) runWithRecovery(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.jobs[name](ctx)
	if err != nil {
		s.logger.Error("job failed", "job", name, "affected", n, "duration", time.Since(start), "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("job completed", "job", name, "affected", n, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job completed", "job", name, "duration", time.Since(start))
}

// RunNow executes a job immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return job(ctx)
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether any job is scheduled.
func (s *Scheduler) IsRunning() bool {
	return len(s.cron.Entries()) > 0
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
