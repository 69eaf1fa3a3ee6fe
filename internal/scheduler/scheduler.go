// Package scheduler runs the periodic reconciliation sweep that pulls
// authoritative subscription state from the billing provider.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	obsmetrics "github.com/smallbiznis/billsync/internal/observability/metrics"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const sweepLockKey = "billsync:sweep"

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	AppConfig       config.Config
	SyncConfig      *config.SyncConfigHolder `optional:"true"`
	StaticConfig    config.SyncConfig        `optional:"true"`
	Repo            subscriptiondomain.Repository
	SubscriptionSvc subscriptiondomain.Service
	Locker          *ratelimit.Locker `optional:"true"`
}

// SweepError identifies one failed item without aborting the sweep.
type SweepError struct {
	SubscriptionID         snowflake.ID `json:"subscription_id"`
	ProviderSubscriptionID string       `json:"provider_subscription_id"`
	Err                    string       `json:"error"`
}

// SweepSummary is the outcome of one full sweep.
type SweepSummary struct {
	RunID        string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Total        int           `json:"total"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Skipped      bool          `json:"skipped,omitempty"`
	Errors       []SweepError  `json:"errors,omitempty"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	appCfg          config.Config
	holder          *config.SyncConfigHolder
	staticCfg       config.SyncConfig
	repo            subscriptiondomain.Repository
	subscriptionSvc subscriptiondomain.Service
	locker          *ratelimit.Locker

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:           p.Clock,
		appCfg:          p.AppConfig,
		holder:          p.SyncConfig,
		staticCfg:       withDefaults(p.StaticConfig),
		repo:            p.Repo,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
	}, nil
}

func withDefaults(cfg config.SyncConfig) config.SyncConfig {
	defaults := config.DefaultSyncConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	return cfg
}

// config resolves the current sweep tuning, preferring the hot-reloadable
// holder when one is wired.
func (s *Scheduler) config() config.SyncConfig {
	if s.holder != nil {
		return s.holder.Get()
	}
	return s.staticCfg
}

// RunOnce executes a single sweep: fetch every syncable subscription,
// refresh them in fixed-size concurrent batches, and report per-item
// failures without aborting.
func (s *Scheduler) RunOnce(ctx context.Context) SweepSummary {
	cfg := s.config()
	start := s.clock.Now().UTC()
	summary := SweepSummary{
		RunID:     ulid.Make().String(),
		StartedAt: start,
	}
	log := s.log.With(zap.String("run_id", summary.RunID))

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.appCfg.RateLimit.SweepLockTTL)
		if err != nil {
			log.Warn("sweep lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !ok {
			log.Info("sweep already running elsewhere, skipping")
			summary.Skipped = true
			return summary
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					log.Warn("sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	obsmetrics.Sync().IncSweepRun()

	subs, err := s.repo.ListByStatuses(ctx, s.db, subscriptiondomain.SyncableStatuses)
	if err != nil {
		log.Error("failed to list syncable subscriptions", zap.Error(err))
		summary.FailureCount = 1
		summary.Errors = append(summary.Errors, SweepError{Err: err.Error()})
		return summary
	}
	summary.Total = len(subs)

	var mu sync.Mutex
	for batchStart := 0; batchStart < len(subs); batchStart += cfg.BatchSize {
		batchEnd := batchStart + cfg.BatchSize
		if batchEnd > len(subs) {
			batchEnd = len(subs)
		}

		// All items in a batch run concurrently; the next batch waits for
		// the whole batch including failures. This bounds outbound
		// concurrency against provider rate limits.
		var g errgroup.Group
		for _, sub := range subs[batchStart:batchEnd] {
			sub := sub
			g.Go(func() error {
				_, err := s.subscriptionSvc.SyncFromProvider(ctx, sub)
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, subscriptiondomain.ErrNotTracked) {
					// Local-only subscriptions have no provider record to
					// reconcile against.
					return nil
				}
				if err != nil {
					summary.FailureCount++
					summary.Errors = append(summary.Errors, SweepError{
						SubscriptionID:         sub.ID,
						ProviderSubscriptionID: deref(sub.ProviderSubscriptionID),
						Err:                    err.Error(),
					})
					obsmetrics.Sync().IncSweepItem(false)
					return nil
				}
				summary.SuccessCount++
				obsmetrics.Sync().IncSweepItem(true)
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.Duration = s.clock.Now().UTC().Sub(start)
	obsmetrics.Sync().ObserveSweepDuration(summary.Duration)

	log.Info("sweep finished",
		zap.Int("total", summary.Total),
		zap.Int("success", summary.SuccessCount),
		zap.Int("failure", summary.FailureCount),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}

// Start launches the periodic sweep loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the timer. An in-flight sweep finishes before the loop exits;
// Stop waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		s.RunOnce(ctx)

		// Interval is re-read every cycle so config reloads take effect
		// without a restart.
		timer := time.NewTimer(s.config().Interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// SyncSubscription refreshes one account's subscription on demand, using the
// same merge path as the sweep.
func (s *Scheduler) SyncSubscription(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.subscriptionSvc.SyncByUserID(ctx, userID)
}

// Stats summarizes the tracked population for the admin surface.
func (s *Scheduler) Stats(ctx context.Context) (subscriptiondomain.SyncStats, error) {
	cfg := s.config()
	return s.subscriptionSvc.Stats(ctx, cfg.Interval, cfg.StaleAfter)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
