// Package orchestrator implements the Orchestrator (C7): the top-level
// glue that opens a trace, drives the Intent Router, enforces the Policy
// Engine and Approval Store, dispatches to the Tool Registry or Provider
// Client, and closes the trace with exactly one terminal step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trustgate/orchestrator/pkg/approval"
	"github.com/trustgate/orchestrator/pkg/intent"
	"github.com/trustgate/orchestrator/pkg/ledger"
	"github.com/trustgate/orchestrator/pkg/llmclient"
	"github.com/trustgate/orchestrator/pkg/policy"
	"github.com/trustgate/orchestrator/pkg/redact"
	"github.com/trustgate/orchestrator/pkg/registry"
)

// Error is the orchestrator's client-visible error taxonomy (§7). Code is
// one of the logical names spec.md §7 enumerates; it is never a Go type,
// only a stable string clients and tests can switch on.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code, message string) *Error { return &Error{Code: code, Message: message} }

// Config bounds Orchestrator behavior; assembled once at startup per
// SPEC_FULL.md's Expansion A (no global mutable configuration).
type Config struct {
	PolicyEnforced    bool
	ApprovalsEnforced bool
	DefaultProviderID string
	DefaultModelID    string
	// HITLWaitTimeout bounds how long handle_chat blocks for a queued HITL
	// request before returning hitl_pending. Zero returns immediately.
	HITLWaitTimeout time.Duration
	HITLPollInterval time.Duration
	// RequestDeadline is the sum-of-subordinate-deadlines-plus-constant
	// wall-clock budget for one handle_chat call (§5).
	RequestDeadline time.Duration
}

// DefaultConfig matches the reference implementation's conservative
// defaults: policy and approvals enforced. Whether the sandbox is
// mandatory for unsafe tools is the Tool Registry & Executor's own
// concern (registry.Executor.WithSandboxRequired), not the
// orchestrator's — it never reads that knob.
var DefaultConfig = Config{
	PolicyEnforced:    true,
	ApprovalsEnforced: true,
	HITLPollInterval:  200 * time.Millisecond,
	RequestDeadline:   45 * time.Second,
}

// Orchestrator wires the six subordinate components together.
type Orchestrator struct {
	cfg       Config
	ledger    *ledger.Ledger
	policy    *policy.Engine
	registry  *registry.Registry
	executor  *registry.Executor
	approvals *approval.Store
	provider  *llmclient.Client
	router    *intent.Router
	hitl      intent.HITLQueue
	clock     func() time.Time
}

// New wires a fully-configured Orchestrator.
func New(cfg Config, l *ledger.Ledger, p *policy.Engine, reg *registry.Registry, exec *registry.Executor, appr *approval.Store, provider *llmclient.Client, router *intent.Router) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		ledger:    l,
		policy:    p,
		registry:  reg,
		executor:  exec,
		approvals: appr,
		provider:  provider,
		router:    router,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithHITLQueue wires the same HITLQueue the Intent Router enqueues into,
// so HandleChat can poll a queued request for resolution instead of
// immediately returning deferred. Optional: without it, every HITL
// decision returns deferred at once regardless of HITLWaitTimeout.
func (o *Orchestrator) WithHITLQueue(q intent.HITLQueue) *Orchestrator {
	o.hitl = q
	return o
}

// ChatRequest is the input to handle_chat.
type ChatRequest struct {
	Messages   []llmclient.Message
	ProviderID string
	ModelID    string
	// ApprovalToken authorizes execution of an unsafe tool the router
	// resolves the request to.
	ApprovalToken string
}

// ChatResponse is the output of handle_chat, handle_execute.
type ChatResponse struct {
	TraceID        string
	Status         string // "ok", "deferred", or "error"
	Content        string
	Tool           string
	ToolResult     interface{}
	Truncated      bool
	ErrorCode      string
	ApprovalReason string
	HITLRequestID  string
}

// HandleChat drives the full request pipeline described in §4.7.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if o.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestDeadline)
		defer cancel()
	}

	traceID, err := o.ledger.OpenTrace(ctx)
	if err != nil {
		return ChatResponse{}, err
	}

	userInput := lastUserMessage(req.Messages)
	_, _, _ = o.ledger.AppendStep(ctx, traceID, "request_received", map[string]interface{}{
		"message_count": len(req.Messages),
		"provider_id":   firstNonEmpty(req.ProviderID, o.cfg.DefaultProviderID),
	})

	resp, orchErr := o.routeAndDispatch(ctx, traceID, req, userInput)
	resp.TraceID = traceID

	if ctxErr := ctx.Err(); ctxErr != nil {
		code := "cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			code = "deadline_exceeded"
		}
		_, _, _ = o.ledger.AppendStep(context.Background(), traceID, code, map[string]interface{}{})
		_ = o.ledger.CloseTrace(context.Background(), traceID)
		return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: code}, newError(code, "request "+code)
	}

	_, _, _ = o.ledger.AppendStep(ctx, traceID, "response_sent", map[string]interface{}{
		"status":     resp.Status,
		"tool":       resp.Tool,
		"error_code": resp.ErrorCode,
	})
	if err := o.ledger.CloseTrace(ctx, traceID); err != nil {
		return resp, err
	}
	return resp, orchErr
}

func (o *Orchestrator) routeAndDispatch(ctx context.Context, traceID string, req ChatRequest, userInput string) (ChatResponse, error) {
	policyHash := o.policy.PolicyHash()
	decision := o.router.Route(ctx, traceID, userInput, policyHash)

	if decision.Shadow {
		// Shadow mode never binds a decision to actual routing; fall
		// through to the generative path as if the router had not run.
		return o.dispatchGenerative(ctx, traceID, req)
	}

	if decision.RequiresHITL {
		return o.awaitHITL(ctx, traceID, decision)
	}

	if decision.IntentID == "" {
		if decision.DenyReason != "" && decision.DenyReason != "no_match" {
			o.emitDenyStep(ctx, traceID, decision.DenyReason)
			return ChatResponse{Status: "error", ErrorCode: decision.DenyReason}, newError(decision.DenyReason, "intent router denied the request")
		}
		return o.dispatchGenerative(ctx, traceID, req)
	}

	return o.dispatchTool(ctx, traceID, decision.IntentID, toArgs(decision.Params), req.ApprovalToken)
}

func (o *Orchestrator) awaitHITL(ctx context.Context, traceID string, decision intent.IntentDecision) (ChatResponse, error) {
	requestID, _ := decision.Evidence["hitl_request_id"].(string)
	message, _ := decision.Evidence["hitl_message"].(string)
	deferredResp := ChatResponse{Status: "deferred", ErrorCode: "hitl_pending", Content: message, HITLRequestID: requestID}

	if o.cfg.HITLWaitTimeout <= 0 || o.hitl == nil || requestID == "" {
		return deferredResp, newError("hitl_pending", message)
	}

	deadline := o.clock().Add(o.cfg.HITLWaitTimeout)
	interval := o.cfg.HITLPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for o.clock().Before(deadline) {
		select {
		case <-ctx.Done():
			return deferredResp, ctx.Err()
		case <-time.After(interval):
		}
		req, ok := o.hitl.Get(ctx, requestID)
		if !ok || req.State == intent.HITLQueued {
			continue
		}
		if req.State == intent.HITLApproved {
			// HITLRequest does not carry the original call params (matching
			// the reference queue's shape); an approved review dispatches
			// the resolved tool with an empty argument set.
			return o.dispatchTool(ctx, traceID, req.IntentID, map[string]interface{}{}, "")
		}
		return ChatResponse{Status: "error", ErrorCode: "hitl_rejected"}, newError("hitl_rejected", "human reviewer rejected the request")
	}
	return deferredResp, newError("hitl_pending", message)
}

func (o *Orchestrator) emitDenyStep(ctx context.Context, traceID, reason string) {
	_, _, _ = o.ledger.AppendStep(ctx, traceID, "intent_denied", map[string]interface{}{"reason": reason})
}

func (o *Orchestrator) dispatchGenerative(ctx context.Context, traceID string, req ChatRequest) (ChatResponse, error) {
	if o.provider == nil {
		return ChatResponse{Status: "error", ErrorCode: "network_disabled"}, newError("network_disabled", "no provider configured")
	}
	providerID := firstNonEmpty(req.ProviderID, o.cfg.DefaultProviderID)
	modelID := firstNonEmpty(req.ModelID, o.cfg.DefaultModelID)

	resp, err := o.provider.Chat(ctx, req.Messages, providerID, modelID)
	if err != nil {
		code := classifyProviderError(err)
		_, _, _ = o.ledger.AppendStep(ctx, traceID, "provider_call", map[string]interface{}{
			"status": "error", "provider": providerID, "model": modelID, "reason": code,
		})
		return ChatResponse{Status: "error", ErrorCode: code}, newError(code, redact.ScrubString(err.Error(), -1))
	}

	_, _, _ = o.ledger.AppendStep(ctx, traceID, "provider_call", map[string]interface{}{
		"status": "ok", "provider": resp.Provider, "model": resp.Model,
		"latency_ms": resp.LatencyMS, "attempts": resp.Attempts, "truncated": resp.Truncated,
	})
	return ChatResponse{Status: "ok", Content: resp.Content, Truncated: resp.Truncated}, nil
}

func (o *Orchestrator) dispatchTool(ctx context.Context, traceID, toolName string, args map[string]interface{}, approvalToken string) (ChatResponse, error) {
	spec, err := o.registry.Lookup(toolName)
	if err != nil {
		o.emitDenyStep(ctx, traceID, "tool_not_found")
		return ChatResponse{Status: "error", ErrorCode: "tool_not_found"}, newError("tool_not_found", err.Error())
	}

	if o.cfg.PolicyEnforced || o.policy.PolicyHash() != "" {
		decision := o.policy.Check(toolName, args, !spec.Unsafe)
		if !decision.Allow {
			o.emitDenyStep(ctx, traceID, "policy_denied")
			return ChatResponse{Status: "error", ErrorCode: "policy_denied", Tool: toolName}, newError("policy_denied", decision.Reason)
		}
	}

	if spec.Unsafe && o.cfg.ApprovalsEnforced {
		result, err := o.approvals.ValidateAndConsume(ctx, approvalToken, toolName, args)
		if err != nil {
			return ChatResponse{Status: "error", ErrorCode: "approval_backend_error", Tool: toolName}, err
		}
		if !result.Approved {
			return ChatResponse{Status: "error", ErrorCode: "approval_required", Tool: toolName, ApprovalReason: result.Reason},
				newError("approval_required", result.Reason)
		}
	}

	result := o.executor.Execute(ctx, traceID, toolName, args)
	if result.Status != "ok" {
		return ChatResponse{Status: "error", ErrorCode: result.ReasonCode(), Tool: toolName}, result.Err
	}
	return ChatResponse{Status: "ok", Tool: toolName, ToolResult: result.Value, Truncated: result.Truncated}, nil
}

// HandleExecute is the explicit tool-execution path (§4.7): policy,
// approval, and execution, skipping intent routing entirely.
func (o *Orchestrator) HandleExecute(ctx context.Context, toolName string, args map[string]interface{}, approvalToken string) (ChatResponse, error) {
	traceID, err := o.ledger.OpenTrace(ctx)
	if err != nil {
		return ChatResponse{}, err
	}
	_, _, _ = o.ledger.AppendStep(ctx, traceID, "request_received", map[string]interface{}{"tool": toolName})

	spec, err := o.registry.Lookup(toolName)
	if err != nil {
		o.emitDenyStep(ctx, traceID, "tool_not_found")
		_ = o.ledger.CloseTrace(ctx, traceID)
		return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: "tool_not_found"}, newError("tool_not_found", err.Error())
	}

	if o.cfg.PolicyEnforced || o.policy.PolicyHash() != "" {
		decision := o.policy.Check(toolName, args, !spec.Unsafe)
		if !decision.Allow {
			o.emitDenyStep(ctx, traceID, "policy_denied")
			_ = o.ledger.CloseTrace(ctx, traceID)
			return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: "policy_denied", Tool: toolName}, newError("policy_denied", decision.Reason)
		}
	}

	if spec.Unsafe && o.cfg.ApprovalsEnforced {
		result, err := o.approvals.ValidateAndConsume(ctx, approvalToken, toolName, args)
		if err != nil {
			_ = o.ledger.CloseTrace(ctx, traceID)
			return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: "approval_backend_error", Tool: toolName}, err
		}
		if !result.Approved {
			_, _, _ = o.ledger.AppendStep(ctx, traceID, "approval_rejected", map[string]interface{}{"reason": result.Reason})
			_ = o.ledger.CloseTrace(ctx, traceID)
			return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: "approval_required", Tool: toolName, ApprovalReason: result.Reason},
				newError("approval_required", result.Reason)
		}
	}

	result := o.executor.Execute(ctx, traceID, toolName, args)
	_, _, _ = o.ledger.AppendStep(ctx, traceID, "response_sent", map[string]interface{}{"status": result.Status, "tool": toolName})
	_ = o.ledger.CloseTrace(ctx, traceID)

	if result.Status != "ok" {
		return ChatResponse{TraceID: traceID, Status: "error", ErrorCode: result.ReasonCode(), Tool: toolName}, result.Err
	}
	return ChatResponse{TraceID: traceID, Status: "ok", Tool: toolName, ToolResult: result.Value, Truncated: result.Truncated}, nil
}

// HandleApprove delegates to the Approval Store and returns the issued
// approval summary (§6's approval-issue response schema).
func (o *Orchestrator) HandleApprove(ctx context.Context, toolName string, args map[string]interface{}, ttl time.Duration) (approval.Approval, error) {
	return o.approvals.Issue(ctx, toolName, args, ttl)
}

func lastUserMessage(messages []llmclient.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func toArgs(params map[string]string) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		args[k] = v
	}
	return args
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func classifyProviderError(err error) string {
	switch {
	case errors.Is(err, llmclient.ErrNetworkDisabled):
		return "network_disabled"
	case errors.Is(err, llmclient.ErrCircuitOpen):
		return "circuit_open"
	}
	var callErr *llmclient.CallError
	if errors.As(err, &callErr) {
		return string(callErr.Class)
	}
	return "protocol"
}
