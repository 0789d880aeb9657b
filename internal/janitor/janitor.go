// Package janitor runs the background sweeps: expired claim reclamation, log
// retention, and terminal task cleanup.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"mend/internal/clock"
	"mend/internal/logchan"
	"mend/internal/logging"
	"mend/internal/orchestrator"
)

// Config sets the retention windows.
type Config struct {
	LogRetention  time.Duration // per-task log TTL
	TaskRetention time.Duration // terminal task TTL; zero keeps tasks forever
}

// Janitor owns the cron schedule.
type Janitor struct {
	cfg    Config
	svc    *orchestrator.Service
	logs   logchan.Channel
	clock  clock.Clock
	logger logging.Logger
	cron   *cron.Cron
}

// New constructs the janitor. Sweeps run only after Start.
func New(cfg Config, svc *orchestrator.Service, logs logchan.Channel, clk clock.Clock) *Janitor {
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Janitor{
		cfg:    cfg,
		svc:    svc,
		logs:   logs,
		clock:  clk,
		logger: logging.NewComponentLogger("Janitor"),
		cron:   cron.New(),
	}
}

// Start registers the sweeps and runs an immediate reclaim so claims orphaned
// by a crash become visible at boot rather than a minute later.
func (j *Janitor) Start(ctx context.Context) error {
	j.reclaim(ctx)

	if _, err := j.cron.AddFunc("* * * * *", func() { j.reclaim(ctx) }); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("*/10 * * * *", func() { j.evictLogs(ctx) }); err != nil {
		return err
	}
	if j.cfg.TaskRetention > 0 {
		if _, err := j.cron.AddFunc("17 * * * *", func() { j.expireTasks(ctx) }); err != nil {
			return err
		}
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running sweeps.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// reclaim resurfaces expired claims and fails the tasks whose items
// dead-lettered during the sweep, so no task stays non-terminal after its
// delivery attempts run out.
func (j *Janitor) reclaim(ctx context.Context) {
	requeued, deadLettered, err := j.svc.Queue().Reclaim(ctx)
	if err != nil {
		j.logger.Warn("reclaim sweep: %v", err)
		return
	}
	if requeued > 0 {
		j.logger.Info("reclaimed %d expired claims", requeued)
	}
	for _, taskID := range deadLettered {
		if err := j.svc.FailDeadLettered(ctx, taskID); err != nil {
			j.logger.Error("fail dead-lettered task %s: %v", taskID, err)
			continue
		}
		j.logger.Info("task %s failed after exhausting delivery attempts", taskID)
	}
}

func (j *Janitor) evictLogs(ctx context.Context) {
	cutoff := j.clock.Now().Add(-j.cfg.LogRetention)
	n, err := j.logs.Evict(ctx, cutoff)
	if err != nil {
		j.logger.Warn("log eviction sweep: %v", err)
		return
	}
	if n > 0 {
		j.logger.Info("evicted %d expired log entries", n)
	}
}

func (j *Janitor) expireTasks(ctx context.Context) {
	cutoff := j.clock.Now().Add(-j.cfg.TaskRetention)
	n, err := j.svc.Store().DeleteExpired(ctx, cutoff)
	if err != nil {
		j.logger.Warn("task expiry sweep: %v", err)
		return
	}
	if n > 0 {
		j.logger.Info("deleted %d expired terminal tasks", n)
	}
}
