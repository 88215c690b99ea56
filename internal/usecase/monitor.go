package usecase

import (
	"context"
	"taskorch/internal/domain"
	"time"

	"github.com/rs/zerolog"
)

// Monitor samples service statistics on a timer. It keeps nothing between
// samples and never mutates tasks.
type Monitor struct {
	Svc      *Service
	Interval time.Duration
	Log      zerolog.Logger
	// OnSample, when set, receives every sample.
	OnSample func(domain.Statistics)
}

func NewMonitor(svc *Service, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{Svc: svc, Interval: interval, Log: log}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = m.Sample(ctx)
		}
	}
}

func (m *Monitor) Sample(ctx context.Context) (domain.Statistics, error) {
	st, err := m.Svc.Statistics(ctx)
	if err != nil {
		m.Log.Error().Err(err).Msg("sample statistics")
		return domain.Statistics{}, err
	}
	ev := m.Log.Info().Int("total", st.Total)
	for _, s := range domain.Statuses() {
		ev = ev.Int(string(s), st.ByStatus[s])
	}
	ev.Float64("success_rate", st.SuccessRate).
		Dur("mean_completion_latency", st.MeanCompletionLatency).
		Msg("task statistics")
	if m.OnSample != nil {
		m.OnSample(st)
	}
	return st, nil
}
