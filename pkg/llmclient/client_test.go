package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	calls   int
	results []fakeResult
}

type fakeResult struct {
	content string
	model   string
	err     error
}

func (f *fakeProvider) Do(ctx context.Context, providerID, modelID string, messages []Message) (string, string, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	return r.content, r.model, r.err
}

func testClient(provider Provider, cfg Config) *Client {
	c := New(provider, cfg)
	c.WithSleep(func(time.Duration) {})
	return c
}

func TestClient_Chat_NetworkDisabledShortCircuits(t *testing.T) {
	cfg := DefaultConfig
	cfg.NetworkEnabled = false
	c := testClient(&fakeProvider{}, cfg)

	_, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if !errors.Is(err, ErrNetworkDisabled) {
		t.Fatalf("expected ErrNetworkDisabled, got %v", err)
	}
}

func TestClient_Chat_SuccessOnFirstAttempt(t *testing.T) {
	cfg := DefaultConfig
	provider := &fakeProvider{results: []fakeResult{{content: "hello", model: "gpt-4"}}}
	c := testClient(provider, cfg)

	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" || resp.Attempts != 1 || resp.Truncated {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_Chat_RetriesOnNetworkFailureThenSucceeds(t *testing.T) {
	cfg := DefaultConfig
	cfg.RetryCount = 2
	provider := &fakeProvider{results: []fakeResult{
		{err: &CallError{Class: FailureNetwork, Err: errors.New("dial refused")}},
		{content: "recovered", model: "gpt-4"},
	}}
	c := testClient(provider, cfg)

	resp, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Attempts != 2 || resp.Content != "recovered" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_Chat_ExhaustsRetryBudgetAndReturnsLastError(t *testing.T) {
	cfg := DefaultConfig
	cfg.RetryCount = 1
	netErr := &CallError{Class: FailureNetwork, Err: errors.New("timeout")}
	provider := &fakeProvider{results: []fakeResult{{err: netErr}, {err: netErr}}}
	c := testClient(provider, cfg)

	_, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if !errors.Is(err, netErr) {
		t.Fatalf("expected last error surfaced, got %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("expected 1+retry_count=2 attempts, got %d", provider.calls)
	}
}

func TestClient_Chat_ProtocolFailureDoesNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig
	cfg.RetryCount = 0
	cfg.BreakerThreshold = 1
	protoErr := &CallError{Class: FailureProtocol, Err: errors.New("bad request")}
	provider := &fakeProvider{results: []fakeResult{{err: protoErr}}}
	c := testClient(provider, cfg)

	_, _ = c.Chat(context.Background(), nil, "openai", "gpt-4")

	breaker := c.breakers.get("openai")
	if breaker.State() != StateClosed {
		t.Errorf("expected breaker to remain closed after protocol failure, got %s", breaker.State())
	}
}

func TestClient_Chat_NetworkFailuresTripBreakerThenOpensCircuit(t *testing.T) {
	cfg := DefaultConfig
	cfg.RetryCount = 0
	cfg.BreakerThreshold = 2
	netErr := &CallError{Class: FailureNetwork, Err: errors.New("dial refused")}
	provider := &fakeProvider{results: []fakeResult{{err: netErr}}}
	c := testClient(provider, cfg)

	_, _ = c.Chat(context.Background(), nil, "openai", "gpt-4")
	_, _ = c.Chat(context.Background(), nil, "openai", "gpt-4")

	_, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after threshold failures, got %v", err)
	}
}

func TestClient_Chat_HalfOpenProbeRecovery(t *testing.T) {
	cfg := DefaultConfig
	cfg.RetryCount = 0
	cfg.BreakerThreshold = 1
	cfg.BreakerResetTimeout = 10 * time.Millisecond
	netErr := &CallError{Class: FailureNetwork, Err: errors.New("dial refused")}
	provider := &fakeProvider{results: []fakeResult{{err: netErr}, {content: "ok", model: "gpt-4"}}}
	c := testClient(provider, cfg)

	_, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if err == nil {
		t.Fatalf("expected first call to fail")
	}

	time.Sleep(20 * time.Millisecond)

	resp, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("expected half-open probe to succeed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if c.breakers.get("openai").State() != StateClosed {
		t.Errorf("expected breaker closed after successful probe")
	}
}

func TestClient_Chat_OutputCappedAndTruncatedFlagSet(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxOutputChars = 5
	provider := &fakeProvider{results: []fakeResult{{content: "abcdefgh", model: "gpt-4"}}}
	c := testClient(provider, cfg)

	resp, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "abcde" || !resp.Truncated {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_Chat_LatencyRecordedFromInjectedClock(t *testing.T) {
	cfg := DefaultConfig
	provider := &fakeProvider{results: []fakeResult{{content: "hi", model: "gpt-4"}}}
	c := testClient(provider, cfg)

	tick := 0
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 250_000_000, time.UTC),
	}
	c.WithClock(func() time.Time {
		now := times[tick]
		if tick < len(times)-1 {
			tick++
		}
		return now
	})

	resp, err := c.Chat(context.Background(), nil, "openai", "gpt-4")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.LatencyMS != 250 {
		t.Errorf("expected 250ms latency, got %d", resp.LatencyMS)
	}
}
