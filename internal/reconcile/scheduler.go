package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a pass every ten minutes.
const DefaultSchedule = "@every 10m"

const defaultRunTimeout = 5 * time.Minute

// Scheduler runs a Reconciler on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *zap.Logger
	runTimeout time.Duration
}

// NewScheduler parses schedule (standard five-field cron or a descriptor such as "@every 1h").
func NewScheduler(reconciler *Reconciler, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if reconciler == nil {
		return nil, ErrInvalidConfig
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		reconciler: reconciler,
		logger:     logger,
		runTimeout: defaultRunTimeout,
	}
	if _, err := scheduler.cron.AddFunc(schedule, scheduler.runOnce); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %w", ErrInvalidConfig, schedule, err)
	}
	return scheduler, nil
}

// Start begins scheduling in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop prevents new runs and waits for a running pass or ctx, whichever ends first.
func (scheduler *Scheduler) Stop(ctx context.Context) {
	done := scheduler.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (scheduler *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.runTimeout)
	defer cancel()
	if _, err := scheduler.reconciler.Run(ctx); err != nil {
		scheduler.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}
