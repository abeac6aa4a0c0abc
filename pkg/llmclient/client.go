package llmclient

import (
	"context"
	"errors"
	"time"
)

// Message is a single role/content turn in a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is what a successful Chat call returns.
type Response struct {
	Content   string `json:"content"`
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	LatencyMS int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	Truncated bool   `json:"truncated"`
}

// ErrNetworkDisabled is returned without issuing any call when the hard
// outbound-network gate is off.
var ErrNetworkDisabled = errors.New("llmclient: network disabled")

// ErrCircuitOpen is returned without issuing a call when the provider's
// circuit breaker is open and the reset window has not elapsed.
var ErrCircuitOpen = errors.New("llmclient: circuit open")

// FailureClass classifies a provider call failure. Only Timeout and
// Network failures count against the circuit breaker.
type FailureClass string

const (
	FailureTimeout       FailureClass = "timeout"
	FailureNetwork       FailureClass = "network"
	FailureProtocol      FailureClass = "protocol"
	FailureModelRejected FailureClass = "model_rejected"
)

func (c FailureClass) countsAgainstBreaker() bool {
	return c == FailureTimeout || c == FailureNetwork
}

// CallError wraps a classified provider failure.
type CallError struct {
	Class FailureClass
	Err   error
}

func (e *CallError) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Provider performs a single, unretried request to a backing model API.
// Implementations classify their own failures (timeout/network/protocol/
// model_rejected) since only the transport layer knows which bucket a
// given error belongs to.
type Provider interface {
	// Do issues one attempt and returns raw content plus the resolved
	// model id, or a *CallError describing why it failed.
	Do(ctx context.Context, providerID, modelID string, messages []Message) (content string, resolvedModel string, err error)
}

// Config bounds the retry/timeout/output-capping behavior applied around
// every Provider call.
type Config struct {
	NetworkEnabled      bool
	CallTimeout         time.Duration
	RetryCount          int
	RetryBackoff        time.Duration
	MaxOutputChars      int
	BreakerThreshold    int
	BreakerResetTimeout time.Duration
}

// DefaultConfig matches the original implementation's documented
// defaults (ORCH_LLM_TIMEOUT_SEC / ORCH_LLM_RETRY_COUNT /
// ORCH_LLM_RETRY_BACKOFF_SEC / ORCH_LLM_MAX_OUTPUT_CHARS).
var DefaultConfig = Config{
	NetworkEnabled:      true,
	CallTimeout:         30 * time.Second,
	RetryCount:          2,
	RetryBackoff:        1 * time.Second,
	MaxOutputChars:      8000,
	BreakerThreshold:    5,
	BreakerResetTimeout: 30 * time.Second,
}

// Client is C5, the Provider Client: it enforces the network gate,
// per-call timeout, retry budget, constant backoff, and a per-provider
// circuit breaker around an underlying Provider transport.
type Client struct {
	provider Provider
	cfg      Config
	breakers *breakerRegistry
	clock    func() time.Time
	sleep    func(time.Duration)
}

// New builds a Client around the given transport.
func New(provider Provider, cfg Config) *Client {
	return &Client{
		provider: provider,
		cfg:      cfg,
		breakers: newBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerResetTimeout),
		clock:    time.Now,
		sleep:    time.Sleep,
	}
}

// WithClock overrides the time source, for deterministic latency/backoff
// assertions in tests.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

// WithSleep overrides the backoff sleep function, so tests don't pay
// real wall-clock retry delays.
func (c *Client) WithSleep(sleep func(time.Duration)) *Client {
	c.sleep = sleep
	return c
}

// Chat generates a response from an ordered message list against
// providerID/modelID, applying the network gate, circuit breaker, retry
// budget, and output cap described in the provider client contract.
func (c *Client) Chat(ctx context.Context, messages []Message, providerID, modelID string) (*Response, error) {
	if !c.cfg.NetworkEnabled {
		return nil, ErrNetworkDisabled
	}

	breaker := c.breakers.get(providerID)
	start := c.clock()
	maxAttempts := 1 + c.cfg.RetryCount
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow() {
			return nil, ErrCircuitOpen
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		}
		content, resolvedModel, err := c.provider.Do(callCtx, providerID, modelID, messages)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			breaker.Success()
			capped, truncated := capOutput(content, c.cfg.MaxOutputChars)
			return &Response{
				Content:   capped,
				Model:     resolvedModel,
				Provider:  providerID,
				LatencyMS: c.clock().Sub(start).Milliseconds(),
				Attempts:  attempt,
				Truncated: truncated,
			}, nil
		}

		lastErr = err
		class := classify(err)
		if class.countsAgainstBreaker() {
			breaker.Failure()
		}

		if attempt < maxAttempts {
			c.sleep(c.cfg.RetryBackoff)
		}
	}

	return nil, lastErr
}

func classify(err error) FailureClass {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}
	return FailureProtocol
}

func capOutput(content string, limit int) (string, bool) {
	if limit <= 0 || len(content) <= limit {
		return content, false
	}
	return content[:limit], true
}
