package domain

import (
	"slices"
	"strings"
	"time"
)

// Filter selects tasks. Zero-valued fields do not constrain the match.
type Filter struct {
	Statuses   []TaskStatus `json:"statuses,omitempty"`
	Priorities []Priority   `json:"priorities,omitempty"`
	WorkerID   string       `json:"worker_id,omitempty"`
	IDPrefix   string       `json:"id_prefix,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Limit      int          `json:"limit,omitempty"`
}

func (f Filter) Match(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	if f.WorkerID != "" && t.WorkerID != f.WorkerID {
		return false
	}
	if f.IDPrefix != "" && !strings.HasPrefix(t.ID, f.IDPrefix) {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	return true
}

// Acquirable narrows f to statuses a worker may take. An explicit status list
// that contains neither Pending nor Waiting matches nothing.
func (f Filter) Acquirable() (Filter, bool) {
	if len(f.Statuses) == 0 {
		f.Statuses = []TaskStatus{StatusPending, StatusWaiting}
		return f, true
	}
	var keep []TaskStatus
	for _, s := range f.Statuses {
		if s.Acquirable() {
			keep = append(keep, s)
		}
	}
	f.Statuses = keep
	return f, len(keep) > 0
}

type Statistics struct {
	Total                 int                `json:"total"`
	ByStatus              map[TaskStatus]int `json:"by_status"`
	SuccessRate           float64            `json:"success_rate"`
	MeanCompletionLatency time.Duration      `json:"mean_completion_latency"`
}

// StatisticsCollector aggregates Statistics in a single pass.
type StatisticsCollector struct {
	stats   Statistics
	latency time.Duration
}

func NewStatisticsCollector() *StatisticsCollector {
	byStatus := make(map[TaskStatus]int, len(Statuses()))
	for _, s := range Statuses() {
		byStatus[s] = 0
	}
	return &StatisticsCollector{stats: Statistics{ByStatus: byStatus}}
}

func (c *StatisticsCollector) Add(t *Task) {
	c.stats.Total++
	c.stats.ByStatus[t.Status]++
	if t.Status == StatusCompleted && t.CompletedAt != nil {
		c.latency += t.CompletedAt.Sub(t.CreatedAt)
	}
}

func (c *StatisticsCollector) Result() Statistics {
	s := c.stats
	s.ByStatus = make(map[TaskStatus]int, len(c.stats.ByStatus))
	for k, v := range c.stats.ByStatus {
		s.ByStatus[k] = v
	}
	completed, failed := s.ByStatus[StatusCompleted], s.ByStatus[StatusFailed]
	if completed+failed > 0 {
		s.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		s.MeanCompletionLatency = c.latency / time.Duration(completed)
	}
	return s
}
