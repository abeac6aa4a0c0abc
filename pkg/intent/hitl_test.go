package intent

import (
	"context"
	"testing"
)

func TestMemoryQueue_EnqueueGetResolve(t *testing.T) {
	n := 0
	queue := NewMemoryQueue(func() string { n++; return "req-1" }, true)
	ctx := context.Background()

	enqueued, err := queue.Enqueue(ctx, HITLRequest{IntentID: "send_email", Confidence: 0.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enqueued.ID != "req-1" || enqueued.State != HITLQueued {
		t.Fatalf("unexpected enqueued request: %+v", enqueued)
	}

	got, ok := queue.Get(ctx, "req-1")
	if !ok || got.State != HITLQueued {
		t.Fatalf("expected queued request to be retrievable, got %+v", got)
	}

	resolved, err := queue.Resolve(ctx, "req-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.State != HITLApproved {
		t.Errorf("expected approved state, got %q", resolved.State)
	}
}

func TestMemoryQueue_ResolveUnknownID(t *testing.T) {
	queue := NewMemoryQueue(func() string { return "req-1" }, true)
	_, err := queue.Resolve(context.Background(), "does-not-exist", true)
	if err != ErrHITLNotFound {
		t.Errorf("expected ErrHITLNotFound, got %v", err)
	}
}

func TestMemoryQueue_Disabled(t *testing.T) {
	queue := NewMemoryQueue(func() string { return "req-1" }, false)
	enqueued, err := queue.Enqueue(context.Background(), HITLRequest{IntentID: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enqueued.ID != "" {
		t.Errorf("expected disabled queue not to assign an id, got %+v", enqueued)
	}
}

func TestMemoryQueue_RejectSetsState(t *testing.T) {
	queue := NewMemoryQueue(func() string { return "req-1" }, true)
	ctx := context.Background()
	_, _ = queue.Enqueue(ctx, HITLRequest{IntentID: "x"})

	resolved, err := queue.Resolve(ctx, "req-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.State != HITLRejected {
		t.Errorf("expected rejected state, got %q", resolved.State)
	}
}
