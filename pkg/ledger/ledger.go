// Package ledger implements the Trace Ledger (C1): an append-only,
// hash-chained decision log with a redacted read API.
//
// Every step appended to a trace is sanitized before it is hashed or
// persisted, so no sensitive value the caller handed us ever lands on
// disk. The chain hash lets a reader detect any later tampering with a
// stored step without needing a separate signature scheme.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trustgate/orchestrator/pkg/canonicalize"
	"github.com/trustgate/orchestrator/pkg/redact"
)

// genesisHash is C_0 in the chain-hash recurrence: 32 zero bytes, hex encoded.
var genesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// TraceStatus is the lifecycle state of a Trace.
type TraceStatus string

const (
	TraceOpen   TraceStatus = "open"
	TraceClosed TraceStatus = "closed"
)

// Trace is the parent record a sequence of TraceSteps hangs off of.
type Trace struct {
	ID        string
	CreatedAt time.Time
	ClosedAt  *time.Time
	Status    TraceStatus
}

// TraceStep is one hash-chained entry in a trace.
type TraceStep struct {
	TraceID   string
	Position  uint64
	StepType  string
	CreatedAt time.Time
	// Payload is the sanitized payload actually hashed and stored; callers
	// never see the pre-sanitization value.
	Payload   map[string]interface{}
	EventHash string
	PrevHash  string
	ChainHash string
}

// TraceBackendError wraps any I/O failure from the persistence backend.
// The orchestrator is expected to fail the enclosing request rather than
// proceed as if the append had succeeded.
type TraceBackendError struct {
	Op  string
	Err error
}

func (e *TraceBackendError) Error() string {
	return fmt.Sprintf("ledger: backend error during %s: %v", e.Op, e.Err)
}

func (e *TraceBackendError) Unwrap() error { return e.Err }

// ErrTraceNotFound is returned when a trace_id has no open_trace record.
var ErrTraceNotFound = errors.New("ledger: trace not found")

// ErrTraceClosed is returned by append_step against a closed trace.
var ErrTraceClosed = errors.New("ledger: trace is closed")

// Backend is the persistence contract a Ledger drives. Implementations must
// make a successful AppendStep durable before returning.
type Backend interface {
	Init(ctx context.Context) error
	OpenTrace(ctx context.Context, t Trace) error
	GetTrace(ctx context.Context, traceID string) (*Trace, error)
	CloseTrace(ctx context.Context, traceID string, closedAt time.Time) error
	AppendStep(ctx context.Context, step TraceStep) error
	ListSteps(ctx context.Context, traceID string) ([]TraceStep, error)
	LastStep(ctx context.Context, traceID string) (*TraceStep, error)
	// RecentSteps returns the most recently appended steps across every
	// trace, newest first, for the `/v1/trust/events` surface.
	RecentSteps(ctx context.Context, limit int) ([]TraceStep, error)
}

// RedactionProfile controls how read_steps sanitizes payloads a second
// time on the way out, independent of the sanitization already baked into
// the stored event hash.
type RedactionProfile struct {
	TruncateLimit int // 0 = redact.DefaultTruncateLimit, negative = unlimited
}

// DefaultRedactionProfile matches the §4.1 default cap.
var DefaultRedactionProfile = RedactionProfile{TruncateLimit: redact.DefaultTruncateLimit}

// Ledger drives a Backend, adding per-trace append serialization and the
// chain-hash computation the backend itself does not know how to do.
type Ledger struct {
	backend Backend
	clock   func() time.Time
	idGen   func() string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Ledger over backend. idGen generates trace_ids (callers
// typically pass uuid.NewString).
func New(backend Backend, idGen func() string) *Ledger {
	return &Ledger{
		backend: backend,
		clock:   time.Now,
		idGen:   idGen,
		locks:   make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Init prepares the backend schema.
func (l *Ledger) Init(ctx context.Context) error {
	if err := l.backend.Init(ctx); err != nil {
		return &TraceBackendError{Op: "init", Err: err}
	}
	return nil
}

// OpenTrace creates a new trace and returns its id.
func (l *Ledger) OpenTrace(ctx context.Context) (string, error) {
	id := l.idGen()
	t := Trace{ID: id, CreatedAt: l.clock(), Status: TraceOpen}
	if err := l.backend.OpenTrace(ctx, t); err != nil {
		return "", &TraceBackendError{Op: "open_trace", Err: err}
	}
	return id, nil
}

// CloseTrace marks a trace closed. Closed traces reject further appends.
func (l *Ledger) CloseTrace(ctx context.Context, traceID string) error {
	if err := l.backend.CloseTrace(ctx, traceID, l.clock()); err != nil {
		return &TraceBackendError{Op: "close_trace", Err: err}
	}
	return nil
}

func (l *Ledger) lockFor(traceID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[traceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[traceID] = m
	}
	return m
}

// AppendStep sanitizes payload, computes the event and chain hash against
// the trace's current head, and persists the step. Appends to the same
// trace_id are serialized; appends across distinct traces run in parallel.
func (l *Ledger) AppendStep(ctx context.Context, traceID, stepType string, payload map[string]interface{}) (uint64, string, error) {
	lock := l.lockFor(traceID)
	lock.Lock()
	defer lock.Unlock()

	trace, err := l.backend.GetTrace(ctx, traceID)
	if err != nil {
		if errors.Is(err, ErrTraceNotFound) {
			return 0, "", ErrTraceNotFound
		}
		return 0, "", &TraceBackendError{Op: "get_trace", Err: err}
	}
	if trace.Status == TraceClosed {
		return 0, "", ErrTraceClosed
	}

	prev, err := l.backend.LastStep(ctx, traceID)
	if err != nil {
		return 0, "", &TraceBackendError{Op: "last_step", Err: err}
	}
	prevHash := genesisHash
	position := uint64(1)
	if prev != nil {
		prevHash = prev.ChainHash
		position = prev.Position + 1
	}

	sanitized := redact.Payload(payload, DefaultRedactionProfile.TruncateLimit)
	createdAt := l.clock()
	eventHash, err := computeEventHash(stepType, createdAt, sanitized)
	if err != nil {
		return 0, "", fmt.Errorf("ledger: hash step: %w", err)
	}
	chainHash := computeChainHash(prevHash, eventHash)

	step := TraceStep{
		TraceID:   traceID,
		Position:  position,
		StepType:  stepType,
		CreatedAt: createdAt,
		Payload:   sanitized,
		EventHash: eventHash,
		PrevHash:  prevHash,
		ChainHash: chainHash,
	}
	if err := l.backend.AppendStep(ctx, step); err != nil {
		return 0, "", &TraceBackendError{Op: "append_step", Err: err}
	}
	return position, chainHash, nil
}

// ReadSteps returns the ordered steps of a trace, sanitized again per
// profile before leaving the ledger boundary.
func (l *Ledger) ReadSteps(ctx context.Context, traceID string, profile RedactionProfile) ([]TraceStep, error) {
	steps, err := l.backend.ListSteps(ctx, traceID)
	if err != nil {
		return nil, &TraceBackendError{Op: "list_steps", Err: err}
	}
	out := make([]TraceStep, len(steps))
	for i, s := range steps {
		s.Payload = redact.Payload(s.Payload, profile.TruncateLimit)
		out[i] = s
	}
	return out, nil
}

// RecentSteps returns the most recently appended steps across every trace,
// sanitized per profile, for the `/v1/trust/events` surface.
func (l *Ledger) RecentSteps(ctx context.Context, limit int, profile RedactionProfile) ([]TraceStep, error) {
	steps, err := l.backend.RecentSteps(ctx, limit)
	if err != nil {
		return nil, &TraceBackendError{Op: "recent_steps", Err: err}
	}
	out := make([]TraceStep, len(steps))
	for i, s := range steps {
		s.Payload = redact.Payload(s.Payload, profile.TruncateLimit)
		out[i] = s
	}
	return out, nil
}

// VerifyResult is the outcome of VerifyChain.
type VerifyResult struct {
	OK            bool
	ComputedHash  string
	BrokenAt      uint64 // position of first divergence, 0 if OK
}

// VerifyChain recomputes the hash chain from stored steps and compares the
// final link to expectedHash, if provided (empty string skips the check).
func (l *Ledger) VerifyChain(ctx context.Context, traceID string, expectedHash string) (VerifyResult, error) {
	steps, err := l.backend.ListSteps(ctx, traceID)
	if err != nil {
		return VerifyResult{}, &TraceBackendError{Op: "list_steps", Err: err}
	}

	prevHash := genesisHash
	for _, s := range steps {
		if s.PrevHash != prevHash {
			return VerifyResult{OK: false, BrokenAt: s.Position}, nil
		}
		recomputed, err := computeEventHash(s.StepType, s.CreatedAt, s.Payload)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: recompute hash at %d: %w", s.Position, err)
		}
		if recomputed != s.EventHash {
			return VerifyResult{OK: false, BrokenAt: s.Position}, nil
		}
		chainHash := computeChainHash(prevHash, recomputed)
		if chainHash != s.ChainHash {
			return VerifyResult{OK: false, BrokenAt: s.Position}, nil
		}
		prevHash = chainHash
	}

	if expectedHash != "" && prevHash != expectedHash {
		return VerifyResult{OK: false, ComputedHash: prevHash}, nil
	}
	return VerifyResult{OK: true, ComputedHash: prevHash}, nil
}

func computeEventHash(stepType string, createdAt time.Time, sanitizedPayload map[string]interface{}) (string, error) {
	payloadJCS, err := canonicalize.JCS(sanitizedPayload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(stepType))
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	h.Write(payloadJCS)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func computeChainHash(prevChainHash, eventHash string) string {
	h := sha256.New()
	h.Write([]byte(prevChainHash))
	h.Write([]byte(eventHash))
	return hex.EncodeToString(h.Sum(nil))
}
