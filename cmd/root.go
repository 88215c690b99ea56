package cmd

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"taskorch/internal/app"
	"taskorch/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var envFile string

func Run() {
	var command = &cobra.Command{
		Use:          "taskorch",
		Short:        "Task orchestration core: queue, lease, execute and retry work items",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")

	command.AddCommand(serveCmd())
	command.AddCommand(workerCmd())
	command.AddCommand(taskCmd())
	command.AddCommand(statsCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

// newLogger builds the root logger and makes it the default for log.Ctx.
func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var l zerolog.Logger
	if cfg.Format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	return l
}

// loadApp reads config, installs the logger and opens the store.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	l := newLogger(cfg.Log)
	return app.New(l.WithContext(ctx), cfg, l)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
