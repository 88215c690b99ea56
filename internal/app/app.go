// Package app assembles the service and its background loops from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"taskorch/internal/config"
	"taskorch/internal/executor"
	"taskorch/internal/infra/clock"
	"taskorch/internal/infra/memory"
	"taskorch/internal/infra/redisq"
	"taskorch/internal/infra/sqlite"
	"taskorch/internal/ports"
	"taskorch/internal/usecase"
	"time"

	"github.com/rs/zerolog"
)

type App struct {
	Cfg       *config.Config
	Log       zerolog.Logger
	Service   *usecase.Service
	Scheduler *usecase.Scheduler
	Monitor   *usecase.Monitor
	Executors *executor.Registry

	closers []func() error
}

// New opens the configured store. Redis backs both tasks and locks; the
// memory and sqlite stores use in-process locks and so serve one process.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	sys := clock.System{}

	var (
		repo  ports.TaskRepository
		locks ports.LockManager
	)
	switch cfg.Store {
	case "redis":
		cli := redisq.New(cfg.Redis, log.With().Str("component", "redis").Logger())
		if err := cli.Init(ctx); err != nil {
			cli.Close()
			return nil, err
		}
		a.closers = append(a.closers, cli.Close)
		repo, locks = cli, redisq.NewLockManager(cli, sys)
	case "sqlite":
		r, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		repo, locks = r, memory.NewLockManager(sys)
	case "memory":
		repo, locks = memory.NewRepository(), memory.NewLockManager(sys)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	var process ports.Executor
	if cfg.Process.Path != "" {
		process = executor.NewProcess(cfg.Process.Path, cfg.Process.Args, cfg.Process.TrailingArgs,
			log.With().Str("component", "executor").Logger())
	}
	a.Executors = executor.NewRegistry(process, log)
	for name, err := range a.Executors.Validate() {
		log.Warn().Err(err).Str("executor", name).Msg("executor unavailable")
	}

	o := cfg.Orchestrator
	a.Service = usecase.NewService(repo, locks, a.Executors,
		usecase.WithClock(sys),
		usecase.WithLogger(log.With().Str("component", "service").Logger()),
		usecase.WithPolicy(usecase.Policy{
			MaxRetriesCeiling: o.MaxRetriesCeiling,
			DefaultMaxRetries: o.DefaultMaxRetries,
			DefaultTimeout:    o.DefaultTimeout,
			LockLease:         o.LockLease,
		}),
	)
	a.Scheduler = usecase.NewScheduler(a.Service, o.CleanupInterval, o.HeartbeatInterval, o.Retention,
		log.With().Str("component", "scheduler").Logger())
	a.Monitor = usecase.NewMonitor(a.Service, o.MonitorInterval,
		log.With().Str("component", "monitor").Logger())
	return a, nil
}

// Consumer builds a worker loop for holder.
func (a *App) Consumer(holder string, base, maxBackoff time.Duration) usecase.Consumer {
	return usecase.Consumer{
		Svc:         a.Service,
		HolderID:    holder,
		BaseBackoff: base,
		MaxBackoff:  maxBackoff,
		Log:         a.Log.With().Str("component", "consumer").Str("holder", holder).Logger(),
	}
}

// Close drains the service, then releases the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Service.Shutdown(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	return err
}
