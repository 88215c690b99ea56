package usecase

import (
	"context"
	"fmt"
	"strings"
	"taskorch/internal/domain"
	"time"
)

// CreateCommand carries caller input for a new task. Nil pointers take the
// service defaults.
type CreateCommand struct {
	WorkContext string
	Prompt      string
	Priority    *domain.Priority
	Tags        []string
	MaxRetries  *int
	Timeout     *time.Duration
	Mode        domain.ExecutionMode
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (domain.Task, error) {
	t, err := s.newTask(cmd)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.repo.Insert(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.log.Info().
		Str("task_id", t.ID).
		Str("priority", t.Priority.String()).
		Str("mode", t.Mode.String()).
		Msg("task created")
	return t, nil
}

func (s *Service) newTask(cmd CreateCommand) (domain.Task, error) {
	invalid := func(format string, args ...any) (domain.Task, error) {
		return domain.Task{}, domain.NewError(domain.CodeValidation, "", fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(cmd.WorkContext) == "" {
		return invalid("work context is required")
	}
	if strings.TrimSpace(cmd.Prompt) == "" {
		return invalid("prompt is required")
	}

	priority := domain.PriorityMedium
	if cmd.Priority != nil {
		priority = *cmd.Priority
	}
	if !priority.Valid() {
		return invalid("invalid priority %d", int(*cmd.Priority))
	}

	maxRetries := s.policy.DefaultMaxRetries
	if cmd.MaxRetries != nil {
		maxRetries = *cmd.MaxRetries
	}
	if maxRetries < 0 || maxRetries > s.policy.MaxRetriesCeiling {
		return invalid("max retries %d outside [0, %d]", maxRetries, s.policy.MaxRetriesCeiling)
	}

	timeout := s.policy.DefaultTimeout
	if cmd.Timeout != nil {
		timeout = *cmd.Timeout
	}
	if timeout <= 0 {
		return invalid("timeout must be positive, got %s", timeout)
	}

	mode := cmd.Mode
	if mode.Kind == "" {
		mode.Kind = domain.ExecutorStandard
	}
	if !mode.Valid() {
		return invalid("invalid execution mode %q", mode.String())
	}

	now := s.clock.Now()
	return domain.Task{
		ID:          s.ids.NewID(),
		WorkContext: cmd.WorkContext,
		Prompt:      cmd.Prompt,
		Priority:    priority,
		Status:      domain.StatusPending,
		Tags:        domain.NormalizeTags(cmd.Tags),
		Mode:        mode,
		MaxRetries:  maxRetries,
		Timeout:     timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
