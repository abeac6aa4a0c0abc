package approval

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is an in-process Backend for tests and single-process
// dev use.
type memoryBackend struct {
	mu        sync.Mutex
	approvals map[string]Approval
}

// NewMemoryBackend returns a Backend with no persistence.
func NewMemoryBackend() Backend {
	return &memoryBackend{approvals: make(map[string]Approval)}
}

func (m *memoryBackend) Init(ctx context.Context) error { return nil }

func (m *memoryBackend) Insert(ctx context.Context, a Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, approvalID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return nil, nil
	}
	cp := a
	return &cp, nil
}

func (m *memoryBackend) ConditionalConsume(ctx context.Context, approvalID, toolName, argsHash string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return 0, nil
	}
	if a.Status != "pending" || a.ToolName != toolName || a.ArgsHash != argsHash || !a.ExpiresAt.After(now) {
		return 0, nil
	}
	consumedAt := now
	a.Status = "consumed"
	a.ConsumedAt = &consumedAt
	m.approvals[approvalID] = a
	return 1, nil
}

func (m *memoryBackend) GarbageCollect(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.approvals {
		if a.Status == "pending" && !a.ExpiresAt.After(now) {
			a.Status = "expired"
			m.approvals[id] = a
			n++
		}
	}
	return n, nil
}
