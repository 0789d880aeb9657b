package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mend/internal/agent"
	"mend/internal/clock"
	"mend/internal/collab"
	"mend/internal/config"
	"mend/internal/faults"
	"mend/internal/installation"
	installmemory "mend/internal/installation/memory"
	installpg "mend/internal/installation/postgres"
	"mend/internal/logchan"
	logmemory "mend/internal/logchan/memory"
	logpg "mend/internal/logchan/postgres"
	"mend/internal/observability"
	"mend/internal/orchestrator"
	"mend/internal/queue"
	"mend/internal/repocache"
	queuememory "mend/internal/queue/memory"
	queuepg "mend/internal/queue/postgres"
	storepg "mend/internal/store/postgres"
	"mend/internal/task"
	taskmemory "mend/internal/task/memory"
	taskpg "mend/internal/task/postgres"
	"mend/internal/token"
)

// app bundles the wired backends for one CLI invocation. With no DSNs
// configured everything runs on the in-memory backends, which only makes
// sense for a single combined serve+worker process.
type app struct {
	cfg *config.Config

	store  task.Store
	queue  queue.Queue
	logs   logchan.Channel
	insts  installation.Store
	tokens token.Broker
	svc    *orchestrator.Service
	clock  clock.Clock

	pools map[string]*pgxpool.Pool
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, clock: clock.System(), pools: map[string]*pgxpool.Pool{}}

	pool := func(dsn string) (*pgxpool.Pool, error) {
		if p, ok := a.pools[dsn]; ok {
			return p, nil
		}
		p, err := storepg.Connect(ctx, dsn, 0)
		if err != nil {
			return nil, faults.Wrap(faults.KindUnavailable, err, "connect "+redactDSN(dsn))
		}
		a.pools[dsn] = p
		return p, nil
	}

	if cfg.StoreDSN != "" {
		p, err := pool(cfg.StoreDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = taskpg.New(p)
		a.insts = installpg.New(p)
	} else {
		a.store = taskmemory.New(a.clock.Now)
		a.insts = installmemory.New()
	}

	if cfg.QueueDSN != "" {
		p, err := pool(cfg.QueueDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.queue = queuepg.New(p, queuepg.Options{
			MaxAttempts: cfg.MaxAttempts,
			HighWater:   cfg.QueueHighWater,
		})
	} else {
		a.queue = queuememory.New(queuememory.Options{
			MaxAttempts:      cfg.MaxAttempts,
			HighWater:        cfg.QueueHighWater,
			BlockOnHighWater: cfg.QueueBlockOnHighWater,
			Now:              a.clock.Now,
		})
	}

	if cfg.LogDSN != "" {
		p, err := pool(cfg.LogDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.logs = logpg.New(p, logpg.Options{MaxLines: cfg.LogMaxLines})
	} else {
		a.logs = logmemory.New(logmemory.Options{MaxLines: cfg.LogMaxLines, Now: a.clock.Now})
	}

	broker, err := token.NewCachingBroker(envTokenSource{}, 256)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tokens = broker

	a.svc = orchestrator.New(a.store, a.queue, collab.NoopSet(), observability.Default(), a.clock, cfg.MaxAttempts)
	return a, nil
}

// buildWorkerPool wires the repo cache, subprocess runner, and agent pool over
// the app's backends. Shared by the worker command and by serve when it hosts
// workers in-process.
func buildWorkerPool(cfg *config.Config, a *app, cloneBaseURL string) *agent.Pool {
	policy := repocache.NewAccessPolicy(cfg.SensitivePaths, cfg.MaxFileReadBytes)
	repos := repocache.NewManager(cfg.RepoCacheRoot, cfg.RepoCloneDepth, policy, nil)
	runner := agent.NewRunner(agent.RunnerConfig{
		Binary:         cfg.AgentBinary,
		PlanTimeout:    cfg.PlanTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
		MaxLineBytes:   cfg.LogMaxLineBytes,
	}, a.logs)

	return agent.NewPool(cfg.WorkerCount, agent.WorkerConfig{
		Visibility:      cfg.ClaimVisibility,
		Heartbeat:       cfg.HeartbeatInterval,
		RepoAcquireWait: cfg.RepoAcquireWait,
		CloneBaseURL:    cloneBaseURL,
	}, a.svc, runner, repos, a.tokens, a.logs, a.clock, observability.Default())
}

// ensureSchemas creates the backing schema on every configured backend.
func (a *app) ensureSchemas(ctx context.Context) error {
	for _, ensure := range []func(context.Context) error{
		a.store.EnsureSchema,
		a.queue.EnsureSchema,
		a.logs.EnsureSchema,
		a.insts.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return faults.Wrap(faults.KindUnavailable, err, "ensure schema")
		}
	}
	return nil
}

func (a *app) Close() {
	for _, p := range a.pools {
		p.Close()
	}
}

// envTokenSource serves the deploy-time git token. Provider token minting
// lives behind the same Source interface when real credentials are wired in.
type envTokenSource struct{}

func (envTokenSource) Fetch(ctx context.Context, provider task.Provider, organizationID string) (token.Token, error) {
	return token.Token{
		Value:     os.Getenv("GIT_ACCESS_TOKEN"),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func redactDSN(dsn string) string {
	// Never echo credentials embedded in a DSN.
	if len(dsn) > 16 {
		return dsn[:8] + "..."
	}
	return "db"
}
