// Package approval implements the Approval Store (C4): TTL-bound,
// consume-once human approvals binding a tool call to the exact
// canonical-JSON hash of its arguments.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/trustgate/orchestrator/pkg/canonicalize"
)

// DefaultTTL matches ORCH_TOOL_APPROVAL_TTL_SEC's original default.
const DefaultTTL = 900 * time.Second

// Approval is one issued, possibly-consumed approval record.
type Approval struct {
	ID         string
	ToolName   string
	ArgsHash   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	Status     string // "pending", "consumed", or "expired"
}

// Result is the outcome of ValidateAndConsume.
type Result struct {
	Approved bool
	Reason   string
	Approval *Approval
}

// Rejection reasons, surfaced verbatim per §4.4.
const (
	ReasonMissingApproval  = "missing_approval"
	ReasonUnknownApproval  = "unknown_approval"
	ReasonAlreadyConsumed  = "already_consumed"
	ReasonToolMismatch     = "tool_mismatch"
	ReasonArgsHashMismatch = "args_hash_mismatch"
	ReasonExpired          = "expired"
	ReasonApproved         = "approved"
)

// BackendError wraps any I/O failure from the persistence backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("approval: backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Backend is the persistence contract a Store drives.
type Backend interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, a Approval) error
	Get(ctx context.Context, approvalID string) (*Approval, error)
	// ConditionalConsume atomically transitions approvalID to consumed iff
	// it is currently pending, matches toolName and argsHash, and has not
	// expired as of now. It returns the number of rows updated (0 or 1).
	ConditionalConsume(ctx context.Context, approvalID, toolName, argsHash string, now time.Time) (int64, error)
	// GarbageCollect marks pending approvals with expires_at <= now as
	// expired, returning the number of rows affected.
	GarbageCollect(ctx context.Context, now time.Time) (int64, error)
}

// Store drives a Backend, computing args_hash via canonical JSON.
type Store struct {
	backend    Backend
	clock      func() time.Time
	idGen      func() string
	defaultTTL time.Duration
}

// New constructs a Store. idGen generates approval_ids (typically
// uuid.NewString).
func New(backend Backend, idGen func() string) *Store {
	return &Store{backend: backend, clock: time.Now, idGen: idGen, defaultTTL: DefaultTTL}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Init prepares the backend schema.
func (s *Store) Init(ctx context.Context) error {
	if err := s.backend.Init(ctx); err != nil {
		return &BackendError{Op: "init", Err: err}
	}
	return nil
}

// Issue computes args_hash over args and persists a new pending approval
// with the given or default TTL.
func (s *Store) Issue(ctx context.Context, toolName string, args map[string]interface{}, ttl time.Duration) (Approval, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	argsHash, err := canonicalize.CanonicalHash(args)
	if err != nil {
		return Approval{}, fmt.Errorf("approval: hash args: %w", err)
	}

	now := s.clock()
	a := Approval{
		ID:        s.idGen(),
		ToolName:  toolName,
		ArgsHash:  argsHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    "pending",
	}
	if err := s.backend.Insert(ctx, a); err != nil {
		return Approval{}, &BackendError{Op: "issue", Err: err}
	}
	return a, nil
}

// ValidateAndConsume verifies approvalID exists, is pending, matches
// tool_name and the canonical args_hash of args, and has not expired, then
// atomically transitions it to consumed. Checks run in the order the spec
// requires so the surfaced reason is deterministic.
func (s *Store) ValidateAndConsume(ctx context.Context, approvalID, toolName string, args map[string]interface{}) (Result, error) {
	if approvalID == "" {
		return Result{Reason: ReasonMissingApproval}, nil
	}

	argsHash, err := canonicalize.CanonicalHash(args)
	if err != nil {
		return Result{}, fmt.Errorf("approval: hash args: %w", err)
	}
	now := s.clock()

	rows, err := s.backend.ConditionalConsume(ctx, approvalID, toolName, argsHash, now)
	if err != nil {
		return Result{}, &BackendError{Op: "validate_and_consume", Err: err}
	}
	if rows == 1 {
		a, err := s.backend.Get(ctx, approvalID)
		if err != nil {
			return Result{}, &BackendError{Op: "get_after_consume", Err: err}
		}
		return Result{Approved: true, Reason: ReasonApproved, Approval: a}, nil
	}

	// The conditional UPDATE matched nothing; diagnose why so the caller
	// gets a precise, spec-ordered rejection reason.
	a, err := s.backend.Get(ctx, approvalID)
	if err != nil {
		return Result{}, &BackendError{Op: "get_for_diagnosis", Err: err}
	}
	if a == nil {
		return Result{Reason: ReasonUnknownApproval}, nil
	}
	// GarbageCollect lazily marks past-due pending approvals "expired"; that
	// marker must surface as ReasonExpired rather than falling into the
	// generic "not pending" branch below.
	if a.Status == "expired" {
		return Result{Reason: ReasonExpired, Approval: a}, nil
	}
	if a.Status != "pending" {
		return Result{Reason: ReasonAlreadyConsumed, Approval: a}, nil
	}
	if a.ToolName != toolName {
		return Result{Reason: ReasonToolMismatch, Approval: a}, nil
	}
	if a.ArgsHash != argsHash {
		return Result{Reason: ReasonArgsHashMismatch, Approval: a}, nil
	}
	if !a.ExpiresAt.After(now) {
		return Result{Reason: ReasonExpired, Approval: a}, nil
	}
	// Matched none of the above yet the conditional UPDATE still missed:
	// a concurrent consumer won the race between our checks and the
	// UPDATE; re-reading Status above already reflects that, so this is
	// unreachable in practice and only guards against backend bugs.
	return Result{Reason: ReasonUnknownApproval, Approval: a}, nil
}

// GarbageCollect marks expired pending approvals as expired.
func (s *Store) GarbageCollect(ctx context.Context) (int64, error) {
	n, err := s.backend.GarbageCollect(ctx, s.clock())
	if err != nil {
		return 0, &BackendError{Op: "garbage_collect", Err: err}
	}
	return n, nil
}
