// Package executor provides the strategies that perform a task's work.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"taskorch/internal/domain"
	"taskorch/internal/ports"
)

var (
	_ ports.Executor = Standard{}
	_ ports.Executor = (*Process)(nil)
	_ ports.Executor = Func{}
)

// Standard synthesizes a result from the task itself. It does no work and is
// used for dry runs and as the fallback for unknown custom executors.
type Standard struct{}

func (Standard) Name() string    { return "standard" }
func (Standard) Validate() error { return nil }

func (s Standard) Execute(ctx context.Context, t domain.Task) (domain.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskResult{}, err
	}
	return domain.TaskResult{
		Status: domain.ResultSuccess,
		Output: fmt.Sprintf("task %s (%s) in %s: %s", t.ID, t.Priority, t.WorkContext, t.Prompt),
		Metadata: map[string]string{
			"work_context": t.WorkContext,
			"priority":     t.Priority.String(),
			"tags":         strings.Join(t.Tags, ","),
			"attempt":      strconv.Itoa(t.RetryCount + 1),
		},
		Executor: s.Name(),
	}, nil
}

// Func adapts a function into a named executor for the custom registry.
type Func struct {
	ExecName string
	Run      func(ctx context.Context, t domain.Task) (domain.TaskResult, error)
}

func (f Func) Name() string    { return f.ExecName }
func (f Func) Validate() error { return nil }

func (f Func) Execute(ctx context.Context, t domain.Task) (domain.TaskResult, error) {
	res, err := f.Run(ctx, t)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if res.Executor == "" {
		res.Executor = f.ExecName
	}
	if res.Status == "" {
		res.Status = domain.ResultSuccess
	}
	return res, nil
}
