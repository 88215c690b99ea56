package cmd

import (
	"context"
	"taskorch/internal/domain"
	"taskorch/internal/usecase"
	"time"

	"github.com/spf13/cobra"
)

// One-shot commands open the configured store directly, so they are only
// useful with a shared store (redis or sqlite).
func taskCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and cancel tasks",
	}
	command.AddCommand(taskCreateCmd(), taskGetCmd(), taskListCmd(), taskCancelCmd())
	return command
}

// withService runs fn against a freshly opened app and closes it afterwards.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *usecase.Service) error) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a.Log.WithContext(ctx), a.Service)
}

func taskCreateCmd() *cobra.Command {
	var (
		workContext string
		priority    string
		tags        []string
		maxRetries  int
		timeout     time.Duration
		mode        string
	)
	var command = &cobra.Command{
		Use:   "create <prompt>",
		Short: "Create a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := usecase.CreateCommand{WorkContext: workContext, Prompt: args[0], Tags: tags}
			if priority != "" {
				p, err := domain.ParsePriority(priority)
				if err != nil {
					return err
				}
				c.Priority = &p
			}
			if cmd.Flags().Changed("max-retries") {
				c.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("timeout") {
				c.Timeout = &timeout
			}
			if mode != "" {
				m, err := domain.ParseExecutionMode(mode)
				if err != nil {
					return err
				}
				c.Mode = m
			}
			return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
				t, err := svc.Create(ctx, c)
				if err != nil {
					return err
				}
				return printJSON(cmd, t)
			})
		},
	}
	command.Flags().StringVarP(&workContext, "dir", "d", ".", "Work context the task runs in")
	command.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	command.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	command.Flags().IntVar(&maxRetries, "max-retries", 0, "Retries after the first attempt")
	command.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout")
	command.Flags().StringVar(&mode, "mode", "", "standard, process or custom:<name>")
	return command
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
				t, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var (
		statuses []string
		tags     []string
		workerID string
		limit    int
	)
	var command = &cobra.Command{
		Use:   "list",
		Short: "List tasks in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := domain.Filter{Tags: tags, WorkerID: workerID, Limit: limit}
			for _, s := range statuses {
				st := domain.TaskStatus(s)
				if !st.Valid() {
					return domain.NewError(domain.CodeValidation, "", "unknown status "+s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
				seq, err := svc.List(ctx, f)
				if err != nil {
					return err
				}
				out := []domain.Task{}
				for t := range seq {
					out = append(out, t)
				}
				return printJSON(cmd, out)
			})
		},
	}
	command.Flags().StringSliceVar(&statuses, "status", nil, "Status filter (repeatable)")
	command.Flags().StringSliceVar(&tags, "tag", nil, "Required tag (repeatable)")
	command.Flags().StringVar(&workerID, "worker", "", "Holder id filter")
	command.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to show")
	return command
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
				t, err := svc.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, t)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print task statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *usecase.Service) error {
				st, err := svc.Statistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}
