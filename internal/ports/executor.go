package ports

import (
	"context"
	"taskorch/internal/domain"
)

type Executor interface {
	Name() string
	// Validate checks the executor's external dependencies.
	Validate() error
	Execute(ctx context.Context, t domain.Task) (domain.TaskResult, error)
}

type ExecutorResolver interface {
	Resolve(ctx context.Context, mode domain.ExecutionMode) Executor
}

type Scheduler interface {
	// Run blocks until ctx is done.
	Run(ctx context.Context) error
}
