package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"taskorch/internal/api"
	"taskorch/internal/worker"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		port         int
		workers      int
		consumerName string
		drainTimeout time.Duration
	)
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the scheduler, monitor and in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			ctx = a.Log.WithContext(ctx)
			log.Ctx(ctx).Info().Str("store", a.Cfg.Store).Msg("task service ready")

			var wg sync.WaitGroup
			var workerErr error
			wg.Add(1)
			go func() {
				defer wg.Done()
				workerErr = worker.Run(ctx, a, worker.Config{
					ConsumerName: consumerName,
					Workers:      workers,
					BaseBackoff:  500 * time.Millisecond,
					MaxBackoff:   10 * time.Second,
					DrainTimeout: drainTimeout,
					Background:   true,
				})
			}()

			srvErr := api.NewServer(a.Service, a.Log.With().Str("component", "api").Logger()).Run(ctx, port)
			stop()
			wg.Wait()

			closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			return errors.Join(srvErr, workerErr, a.Close(closeCtx))
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	command.Flags().IntVar(&workers, "workers", 1, "In-process consumers")
	command.Flags().StringVar(&consumerName, "consumer", "serve", "Holder id prefix for in-process consumers")
	command.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "Time in-flight executions get to finish on shutdown")
	return command
}
