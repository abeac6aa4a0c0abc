package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend is an in-process Backend used by tests and by callers that
// don't need cross-process durability.
type memoryBackend struct {
	mu     sync.Mutex
	traces map[string]Trace
	steps  map[string][]TraceStep
}

// NewMemoryBackend returns a Backend with no persistence, for tests and
// single-process dev use.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		traces: make(map[string]Trace),
		steps:  make(map[string][]TraceStep),
	}
}

func (m *memoryBackend) Init(ctx context.Context) error { return nil }

func (m *memoryBackend) OpenTrace(ctx context.Context, t Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[t.ID] = t
	return nil
}

func (m *memoryBackend) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	return &t, nil
}

func (m *memoryBackend) CloseTrace(ctx context.Context, traceID string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.traces[traceID]
	if !ok {
		return ErrTraceNotFound
	}
	t.Status = TraceClosed
	t.ClosedAt = &closedAt
	m.traces[traceID] = t
	return nil
}

func (m *memoryBackend) AppendStep(ctx context.Context, step TraceStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.TraceID] = append(m.steps[step.TraceID], step)
	return nil
}

func (m *memoryBackend) ListSteps(ctx context.Context, traceID string) ([]TraceStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TraceStep, len(m.steps[traceID]))
	copy(out, m.steps[traceID])
	return out, nil
}

func (m *memoryBackend) LastStep(ctx context.Context, traceID string) (*TraceStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[traceID]
	if len(steps) == 0 {
		return nil, nil
	}
	last := steps[len(steps)-1]
	return &last, nil
}

func (m *memoryBackend) RecentSteps(ctx context.Context, limit int) ([]TraceStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var all []TraceStep
	for _, steps := range m.steps {
		all = append(all, steps...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
