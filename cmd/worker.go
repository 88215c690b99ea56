package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"taskorch/internal/worker"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		workers      int
		baseBackoff  time.Duration
		maxBackoff   time.Duration
		drainTimeout time.Duration
		background   bool
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker consumers against a shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			if a.Cfg.Store == "memory" {
				a.Log.Warn().Msg("memory store is private to this process; use redis or sqlite to share tasks")
			}
			runErr := worker.Run(a.Log.WithContext(ctx), a, worker.Config{
				ConsumerName: consumerName,
				Workers:      workers,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
				DrainTimeout: drainTimeout,
				Background:   background,
			})

			closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			return errors.Join(runErr, a.Close(closeCtx))
		},
	}

	host, _ := os.Hostname()
	command.Flags().StringVar(&consumerName, "consumer", "worker-"+host, "Worker holder id")
	command.Flags().IntVar(&workers, "workers", 1, "Concurrent consumers")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")
	command.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "Time in-flight executions get to finish on shutdown")
	command.Flags().BoolVar(&background, "background", true, "Also run the lease reclaimer, cleanup and monitor loops")

	return command
}
