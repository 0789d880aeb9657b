package agent

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"mend/internal/clock"
	"mend/internal/logchan"
	"mend/internal/logging"
	"mend/internal/observability"
	"mend/internal/orchestrator"
	"mend/internal/repocache"
	"mend/internal/token"
)

// Pool hosts a fixed number of workers over shared infrastructure.
type Pool struct {
	workers []*Worker
	logger  logging.Logger
}

// NewPool builds count workers sharing the runner, repo cache, and broker.
func NewPool(count int, cfg WorkerConfig, svc *orchestrator.Service, runner *Runner, repos *repocache.Manager, tokens token.Broker, logs logchan.Channel, clk clock.Clock, metrics *observability.Metrics) *Pool {
	if count <= 0 {
		count = 4
	}
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = NewWorker(cfg, svc, runner, repos, tokens, logs, clk, metrics)
	}
	return &Pool{workers: workers, logger: logging.NewComponentLogger("WorkerPool")}
}

// WorkerIDs lists the pool's claim identities.
func (p *Pool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Run blocks until ctx is cancelled; every worker runs its claim loop.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting %d workers", len(p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		worker := w
		g.Go(func() error { return worker.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
