// Package maintenance runs the Janitor: the startup RUNNING-job sweep and
// the periodic terminal-job prune, both of which were a gap in the
// distilled spec's scope but are implied by running this as a long-lived
// service.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/store"
)

// Janitor owns the startup sweep and the recurring prune tick.
type Janitor struct {
	cron    gocron.Scheduler
	store   *store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	pruneInterval time.Duration
	pruneRetain   time.Duration
}

// New creates a Janitor. pruneInterval of zero disables the recurring
// prune tick entirely — Start then schedules nothing. The one-shot startup
// sweep is separate: the caller runs it with SweepRunningOnStart.
func New(st *store.Store, m *metrics.Metrics, pruneInterval, pruneRetain time.Duration, logger *zap.Logger) (*Janitor, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: failed to create scheduler: %w", err)
	}
	return &Janitor{
		cron:          c,
		store:         st,
		metrics:       m,
		pruneInterval: pruneInterval,
		pruneRetain:   pruneRetain,
		logger:        logger.Named("maintenance"),
	}, nil
}

// SweepRunningOnStart force-expires every RUNNING job to FAILED. Called
// once at startup when --expire-running-on-start is set — a RUNNING job
// found at boot means the master crashed or was killed mid-job, and no
// node can be trusted to still be working on it (it may have reconnected
// and lost all context, or never come back at all).
func (j *Janitor) SweepRunningOnStart(ctx context.Context) error {
	n, err := j.store.ExpireRunningJobs(ctx, 0)
	if err != nil {
		return fmt.Errorf("maintenance: startup sweep: %w", err)
	}
	if n > 0 {
		j.logger.Warn("expired stale RUNNING jobs on startup", zap.Int64("count", n))
	}
	return nil
}

// Start registers the recurring prune tick, if enabled, and starts the
// underlying gocron scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	if j.pruneInterval <= 0 {
		j.logger.Info("terminal job pruning disabled")
		return nil
	}

	_, err := j.cron.NewJob(
		gocron.DurationJob(j.pruneInterval),
		gocron.NewTask(func() { j.pruneTick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("maintenance: failed to schedule prune tick: %w", err)
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		zap.Duration("prune_interval", j.pruneInterval), zap.Duration("prune_retain", j.pruneRetain))
	return nil
}

// Stop gracefully shuts down the janitor's recurring tick.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance: shutdown error: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) pruneTick(ctx context.Context) {
	n, err := j.store.PruneTerminalJobs(ctx, j.pruneRetain)
	if err != nil {
		j.logger.Error("prune tick failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("pruned terminal jobs", zap.Int64("count", n))
	}
}
