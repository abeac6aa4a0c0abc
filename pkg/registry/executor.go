package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trustgate/orchestrator/pkg/redact"
	"github.com/trustgate/orchestrator/pkg/sandbox"
)

// DefaultOutputCap is the character limit applied to a tool's returned
// value before it is handed back to the caller (§4.3).
const DefaultOutputCap = 4000

// ErrSandboxUnavailable is returned when an unsafe tool requires the
// sandbox and no fallback is permitted, but the driver cannot run.
var ErrSandboxUnavailable = errors.New("registry: sandbox unavailable")

// ErrHandlerError wraps a safe tool handler's own failure.
var ErrHandlerError = errors.New("registry: handler error")

// ErrSchemaValidation is returned when call args fail a tool's parameter
// schema.
var ErrSchemaValidation = errors.New("registry: schema validation failed")

// Result is the outcome of Execute.
type Result struct {
	Status      string // "ok" or "error"
	Value       interface{}
	Err         error
	Truncated   bool
	SandboxUsed bool
	LatencyMS   int64
}

// ReasonCode maps Result.Err to the §4.3 error taxonomy string, or ""
// when the call succeeded.
func (r Result) ReasonCode() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(r.Err, ErrSandboxUnavailable):
		return "sandbox_unavailable"
	case isSandboxExecutionError(r.Err):
		return "sandbox_execution_error"
	default:
		return "handler_error"
	}
}

func isSandboxExecutionError(err error) bool {
	var execErr *sandbox.ExecutionError
	return errors.As(err, &execErr)
}

// TraceEmitter is the subset of the Trace Ledger the executor needs to
// emit tool_execute steps. Satisfied by *ledger.Ledger.
type TraceEmitter interface {
	AppendStep(ctx context.Context, traceID, stepType string, payload map[string]interface{}) (uint64, string, error)
}

// Executor runs registered tools per §4.3's execution contract.
type Executor struct {
	registry        *Registry
	sandboxDrv      sandbox.Driver
	trace           TraceEmitter
	clock           func() time.Time
	outputCap       int
	sandboxRequired bool
}

// NewExecutor wires a Registry to a (possibly nil) sandbox driver and the
// trace ledger. A nil sandboxDrv is treated as permanently unavailable.
func NewExecutor(reg *Registry, drv sandbox.Driver, trace TraceEmitter) *Executor {
	return &Executor{
		registry:   reg,
		sandboxDrv: drv,
		trace:      trace,
		clock:      time.Now,
		outputCap:  DefaultOutputCap,
	}
}

// WithClock overrides the clock for testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// WithSandboxRequired controls whether an unsafe tool without a running
// sandbox driver is denied outright, ignoring its own AllowFallback flag.
// Operators set this when they want every unsafe tool to run isolated,
// with no in-process fallback path, regardless of what an individual
// ToolSpec permits.
func (e *Executor) WithSandboxRequired(required bool) *Executor {
	e.sandboxRequired = required
	return e
}

// Execute runs name with args, recording a tool_execute trace step
// regardless of outcome.
func (e *Executor) Execute(ctx context.Context, traceID, name string, args map[string]interface{}) Result {
	start := e.clock()

	spec, err := e.registry.Lookup(name)
	if err != nil {
		result := Result{Status: "error", Err: err}
		e.emitStep(ctx, traceID, name, args, result, 0)
		return result
	}

	if spec.compiledSchema != nil {
		if err := spec.compiledSchema.Validate(toJSONAny(args)); err != nil {
			result := Result{Status: "error", Err: fmt.Errorf("%w: %v", ErrSchemaValidation, err)}
			e.emitStep(ctx, traceID, name, args, result, e.elapsedMS(start))
			return result
		}
	}

	var value interface{}
	sandboxUsed := false
	switch {
	case spec.Unsafe && e.sandboxDrv != nil && e.sandboxDrv.Available():
		value, err = e.runSandboxed(ctx, spec, args)
		sandboxUsed = true
	case spec.Unsafe && e.sandboxRequired:
		// Sandbox mandated but unavailable: deny regardless of the tool's
		// own AllowFallback, since that flag only opts a tool in to
		// falling back, it can't override an operator-wide requirement.
		err = ErrSandboxUnavailable
	case spec.Unsafe && spec.AllowFallback && spec.Handler != nil:
		value, err = e.runInProcess(spec, args)
	case spec.Unsafe:
		err = ErrSandboxUnavailable
	default:
		value, err = e.runInProcess(spec, args)
	}

	if err != nil {
		result := Result{Status: "error", Err: err, SandboxUsed: sandboxUsed}
		e.emitStep(ctx, traceID, name, args, result, e.elapsedMS(start))
		return result
	}

	scrubbedValue, truncated := capAndScrub(value, e.outputCap)
	result := Result{Status: "ok", Value: scrubbedValue, Truncated: truncated, SandboxUsed: sandboxUsed, LatencyMS: e.elapsedMS(start)}
	e.emitStep(ctx, traceID, name, args, result, result.LatencyMS)
	return result
}

func (e *Executor) elapsedMS(start time.Time) int64 {
	return e.clock().Sub(start).Milliseconds()
}

func (e *Executor) runInProcess(spec ToolSpec, args map[string]interface{}) (interface{}, error) {
	if spec.Handler == nil {
		return nil, fmt.Errorf("%w: tool %q has no in-process handler", ErrHandlerError, spec.Name)
	}
	value, err := spec.Handler(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandlerError, err)
	}
	return value, nil
}

func (e *Executor) runSandboxed(ctx context.Context, spec ToolSpec, args map[string]interface{}) (interface{}, error) {
	if e.sandboxDrv == nil || !e.sandboxDrv.Available() {
		return nil, ErrSandboxUnavailable
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal args: %v", ErrHandlerError, err)
	}
	output, err := e.sandboxDrv.Execute(ctx, spec.WASMModule, input)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(output, &value); err != nil {
		// Non-JSON guest output is still a legitimate result (e.g. plain
		// text); surface it as a string rather than failing the call.
		value = string(output)
	}
	return value, nil
}

func (e *Executor) emitStep(ctx context.Context, traceID, name string, args map[string]interface{}, result Result, latencyMS int64) {
	if e.trace == nil {
		return
	}
	payload := map[string]interface{}{
		"name":         name,
		"args":         args,
		"status":       result.Status,
		"truncated":    result.Truncated,
		"sandbox_used": result.SandboxUsed,
		"latency_ms":   latencyMS,
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
		payload["reason"] = result.ReasonCode()
	}
	_, _, _ = e.trace.AppendStep(ctx, traceID, "tool_execute", payload)
}

// capAndScrub enforces the output character cap and secret/PII scrubbing
// ruleset shared with §4.1.
func capAndScrub(value interface{}, limit int) (interface{}, bool) {
	switch v := value.(type) {
	case string:
		scrubbed := redact.ScrubString(v, -1) // scrub first, cap with our own flag below
		if len(scrubbed) > limit {
			return scrubbed[:limit] + "...", true
		}
		return scrubbed, false
	case map[string]interface{}:
		return redact.Payload(v, limit), false
	default:
		return value, false
	}
}

func toJSONAny(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
