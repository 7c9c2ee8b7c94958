// Package maintenance runs the gateway's background sweeps on cron schedules:
// expired cache entries, finished traces, stale reviews, idle rate-limit
// state, and old daily budget rows.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/toolgate/internal/observability"
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown maintenance job")

// Job is one named sweep. Run returns how many items it removed.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int64, error)
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	lastRun time.Time
	lastErr error
}

// Scheduler runs maintenance jobs. A job still running when its next tick
// arrives is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	order   []string
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *observability.MetricsCollector, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]*entry),
	}
}

// Add registers a job. The schedule is a standard 5-field cron expression.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("maintenance job needs a name and a run function")
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("maintenance job %s already registered", job.Name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		_, _ = s.run(s.baseContext(), e)
	})
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e
	s.order = append(s.order, job.Name)
	return nil
}

// Start runs the cron loop until ctx is done or the returned cancel is
// called. Cancel waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "maintenance scheduler started", slog.Int("jobs", len(s.Jobs())))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
		close(done)
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunNow runs the named job synchronously and returns how many items it removed.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Jobs lists registered jobs in registration order. Next is zero until the
// scheduler has started.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		info := JobInfo{
			Name:     name,
			Schedule: e.job.Schedule,
			Next:     s.cron.Entry(e.id).Next,
			LastRun:  e.lastRun,
		}
		if e.lastErr != nil {
			info.LastErr = e.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, e *entry) (int64, error) {
	start := time.Now()
	removed, err := e.job.Run(ctx)
	s.metrics.RecordMaintenance(e.job.Name, err)

	s.mu.Lock()
	e.lastRun = start.UTC()
	e.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()),
		)
		return removed, err
	}
	s.logger.DebugContext(ctx, "maintenance job completed",
		slog.String("job", e.job.Name),
		slog.Int64("removed", removed),
		slog.Duration("duration", time.Since(start)),
	)
	return removed, nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
