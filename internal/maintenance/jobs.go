package maintenance

import (
	"context"
	"time"

	"github.com/jkaninda/toolgate/internal/approval"
	"github.com/jkaninda/toolgate/internal/budget"
	"github.com/jkaninda/toolgate/internal/cache"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

// Job names.
const (
	JobCacheSweep   = "cache_sweep"
	JobTraceCleanup = "trace_cleanup"
	JobReviewExpiry = "review_expiry"
	JobLimiterSweep = "limiter_sweep"
	JobBudgetPrune  = "budget_prune"
)

// Default schedules.
const (
	DefaultCacheSweep   = "*/10 * * * *"
	DefaultTraceCleanup = "*/15 * * * *"
	DefaultReviewExpiry = "* * * * *"
	DefaultLimiterSweep = "*/5 * * * *"
	DefaultBudgetPrune  = "30 0 * * *"
)

// DefaultBucketIdle is how long a caller's token bucket may sit unused
// before the limiter sweep drops it.
const DefaultBucketIdle = 10 * time.Minute

// Deps are the components swept by the default jobs. A nil field skips its job.
type Deps struct {
	Cache      cache.Store
	Tracer     *observability.TracerSetup
	Reviews    approval.ApprovalManager
	Budget     *budget.Policy
	Window     *ratelimit.Window
	Bucket     *ratelimit.Bucket
	BucketIdle time.Duration
}

// RegisterDefaults adds the standard sweeps to s. cfg may be nil.
func RegisterDefaults(s *Scheduler, cfg *config.MaintenanceConfig, d Deps) error {
	if cfg == nil {
		cfg = &config.MaintenanceConfig{}
	}
	var jobs []Job

	if d.Cache != nil {
		jobs = append(jobs, Job{
			Name:     JobCacheSweep,
			Schedule: orDefault(cfg.CacheSweep, DefaultCacheSweep),
			Run:      d.Cache.Sweep,
		})
	}
	if d.Tracer != nil {
		maxAge := cfg.TraceMaxAge()
		jobs = append(jobs, Job{
			Name:     JobTraceCleanup,
			Schedule: orDefault(cfg.TraceCleanup, DefaultTraceCleanup),
			Run: func(context.Context) (int64, error) {
				return int64(d.Tracer.Recorder().Cleanup(maxAge)), nil
			},
		})
	}
	if d.Reviews != nil {
		jobs = append(jobs, Job{
			Name:     JobReviewExpiry,
			Schedule: orDefault(cfg.ReviewExpiry, DefaultReviewExpiry),
			Run: func(ctx context.Context) (int64, error) {
				return 0, d.Reviews.Cleanup(ctx)
			},
		})
	}
	if d.Window != nil || d.Bucket != nil {
		idle := d.BucketIdle
		if idle <= 0 {
			idle = DefaultBucketIdle
		}
		jobs = append(jobs, Job{
			Name:     JobLimiterSweep,
			Schedule: orDefault(cfg.LimiterSweep, DefaultLimiterSweep),
			Run: func(context.Context) (int64, error) {
				removed := d.Bucket.Sweep(idle)
				if d.Window != nil {
					removed += d.Window.Sweep()
				}
				return int64(removed), nil
			},
		})
	}
	if d.Budget.Enabled() {
		jobs = append(jobs, Job{
			Name:     JobBudgetPrune,
			Schedule: orDefault(cfg.BudgetPrune, DefaultBudgetPrune),
			Run:      d.Budget.PruneDaily,
		})
	}

	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
