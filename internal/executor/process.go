package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"taskorch/internal/domain"
	"time"

	"github.com/rs/zerolog"
)

// Process runs an external assistant CLI in the task's work context with the
// prompt as an argument, capturing stdout as the output.
type Process struct {
	Path         string
	Args         []string
	TrailingArgs []string
	Log          zerolog.Logger
}

func NewProcess(path string, args, trailing []string, log zerolog.Logger) *Process {
	return &Process{Path: path, Args: args, TrailingArgs: trailing, Log: log}
}

func (p *Process) Name() string { return "process:" + p.Path }

func (p *Process) Validate() error {
	if _, err := exec.LookPath(p.Path); err != nil {
		return fmt.Errorf("%s not found: %w", p.Path, err)
	}
	return nil
}

func (p *Process) command(t domain.Task) []string {
	args := slices.Clone(p.Args)
	args = append(args, t.Prompt)
	return append(args, p.TrailingArgs...)
}

func (p *Process) Execute(ctx context.Context, t domain.Task) (domain.TaskResult, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.command(t)...)
	cmd.Dir = t.WorkContext
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.Log.Debug().Str("task_id", t.ID).Str("dir", t.WorkContext).Int("prompt_len", len(t.Prompt)).Msg("starting process")

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		p.Log.Debug().Str("task_id", t.ID).Int("exit_code", exitCode).Dur("duration", duration).Msg("process failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.TaskResult{}, fmt.Errorf("%s interrupted after %v: %w", p.Path, duration, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return domain.TaskResult{}, fmt.Errorf("%s failed after %v: %w", p.Path, duration, err)
		}
		return domain.TaskResult{}, fmt.Errorf("%s failed after %v: %w: %s", p.Path, duration, err, truncate(msg, 512))
	}

	return domain.TaskResult{
		Status:   domain.ResultSuccess,
		Output:   stdout.String(),
		Duration: duration,
		Metadata: map[string]string{
			"exit_code":    strconv.Itoa(0),
			"work_context": t.WorkContext,
			"stderr_bytes": strconv.Itoa(stderr.Len()),
		},
		Executor: p.Name(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
