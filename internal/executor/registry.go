package executor

import (
	"context"
	"sync"
	"taskorch/internal/domain"
	"taskorch/internal/ports"

	"github.com/rs/zerolog"
)

var _ ports.ExecutorResolver = (*Registry)(nil)

// Registry resolves an execution mode to an executor. Unknown custom names
// fall back to Standard with a warning; the result's Executor field shows it.
type Registry struct {
	standard ports.Executor
	process  ports.Executor
	log      zerolog.Logger

	mu     sync.RWMutex
	custom map[string]ports.Executor
}

func NewRegistry(process ports.Executor, log zerolog.Logger) *Registry {
	return &Registry{
		standard: Standard{},
		process:  process,
		log:      log,
		custom:   make(map[string]ports.Executor),
	}
}

func (r *Registry) Register(name string, e ports.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = e
}

func (r *Registry) Resolve(_ context.Context, mode domain.ExecutionMode) ports.Executor {
	switch mode.Kind {
	case domain.ExecutorProcess:
		if r.process != nil {
			return r.process
		}
		r.log.Warn().Msg("no process executor configured, using standard")
	case domain.ExecutorCustom:
		r.mu.RLock()
		e, ok := r.custom[mode.Name]
		r.mu.RUnlock()
		if ok {
			return e
		}
		r.log.Warn().Str("executor", mode.Name).Msg("unknown custom executor, using standard")
	}
	return r.standard
}

// Validate runs every executor's self-check and returns the failures by name.
func (r *Registry) Validate() map[string]error {
	out := map[string]error{}
	check := func(e ports.Executor) {
		if e == nil {
			return
		}
		if err := e.Validate(); err != nil {
			out[e.Name()] = err
		}
	}
	check(r.standard)
	check(r.process)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.custom {
		check(e)
	}
	return out
}
