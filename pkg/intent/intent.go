// Package intent implements the Intent Router (C6): a deterministic
// four-tier pipeline (rule → cache → semantic → HITL) that resolves a
// chat request's user input to a tool-and-params decision, gated by
// confidence/gap thresholds and a policy_hash the caller supplies.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/trustgate/orchestrator/pkg/canonicalize"
	"github.com/trustgate/orchestrator/pkg/redact"
)

var controlCharsPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]+`)

// IntentDecision is the outcome of Route, per §4.6.
type IntentDecision struct {
	DecisionID   string
	PolicyHash   string
	TierUsed     int
	IntentID     string
	Params       map[string]string
	Confidence   float64
	Gap          *float64
	RequiresHITL bool
	DenyReason   string
	Evidence     map[string]interface{}
	Cacheable    bool
	// Shadow marks a decision computed in shadow mode: it must never be
	// bound to actual routing, only recorded for comparison (§4.6, §9).
	Shadow bool
}

// IntentOverride carries the per-tool policy knobs §4.6 reads from the
// active policy document ("intents[].tier3_required", "min_confidence_tier2",
// "min_gap_tier2").
type IntentOverride struct {
	Tier3Required   bool
	MinConfidence   *float64
	MinGap          *float64
}

// Config bounds Router behavior.
type Config struct {
	Enabled       bool
	Shadow        bool
	MinConfidence float64
	MinGap        float64
	CacheTTL      time.Duration
	DenyPatterns  []string
	AllowPatterns []string
	HITLMessage   string
	// Overrides maps intent/tool id to per-intent policy knobs.
	Overrides map[string]IntentOverride
	// DefaultTool is returned, unconditionally and without caching, for
	// empty input (§4.6 edge case). Empty means "no default": empty input
	// then resolves to no_match.
	DefaultTool string
}

// TraceEmitter is the subset of the Trace Ledger the router needs to emit
// intent_router / intent_router_shadow steps.
type TraceEmitter interface {
	AppendStep(ctx context.Context, traceID, stepType string, payload map[string]interface{}) (uint64, string, error)
}

// Router drives the four-tier pipeline.
type Router struct {
	cfg      Config
	base     *RuleRouter
	semantic *SemanticRouter
	cache    Cache
	hitl     HITLQueue
	trace    TraceEmitter
	idGen    func() string

	denyPatterns  []*regexp.Regexp
	allowPatterns []*regexp.Regexp
}

// New builds a Router. base handles Tier 0's keyword rules, semantic
// handles Tier 2, cache handles Tier 1, hitl handles Tier 3. idGen
// generates decision ids (typically uuid.NewString).
func New(cfg Config, base *RuleRouter, semantic *SemanticRouter, cache Cache, hitl HITLQueue, trace TraceEmitter, idGen func() string) *Router {
	r := &Router{cfg: cfg, base: base, semantic: semantic, cache: cache, hitl: hitl, trace: trace, idGen: idGen}
	for _, p := range cfg.DenyPatterns {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			r.denyPatterns = append(r.denyPatterns, re)
		}
	}
	for _, p := range cfg.AllowPatterns {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			r.allowPatterns = append(r.allowPatterns, re)
		}
	}
	return r
}

// Route resolves userInput to an IntentDecision under policyHash, emitting
// exactly one intent_router (or intent_router_shadow, in shadow mode) trace
// step if traceID is non-empty.
func (r *Router) Route(ctx context.Context, traceID, userInput, policyHash string) IntentDecision {
	if !r.cfg.Enabled {
		decision := r.newDecision(0, "", 0, "intent_router_disabled",
			map[string]interface{}{"note": "intent_router_disabled"}, false, false, policyHash, nil, nil)
		r.recordTrace(ctx, traceID, decision)
		return decision
	}

	if strings.TrimSpace(userInput) == "" {
		decision := r.emptyInputDecision(policyHash)
		decision.Shadow = r.cfg.Shadow
		r.recordTrace(ctx, traceID, decision)
		return decision
	}

	normalized := normalizeInput(userInput)
	signature := signatureOf(normalized)

	if decision, ok := r.tier0(userInput, policyHash); ok {
		decision = r.maybeEnqueueHITL(ctx, decision)
		decision.Shadow = r.cfg.Shadow
		r.recordTrace(ctx, traceID, decision)
		return decision
	}

	if decision, ok := r.tier1(ctx, policyHash, signature); ok {
		decision.Shadow = r.cfg.Shadow
		r.recordTrace(ctx, traceID, decision)
		return decision
	}

	decision := r.tier2(ctx, userInput, policyHash)
	decision = r.maybeEnqueueHITL(ctx, decision)
	decision.Shadow = r.cfg.Shadow
	r.recordTrace(ctx, traceID, decision)

	if decision.Cacheable && !decision.RequiresHITL && !r.cfg.Shadow {
		r.cache.Set(ctx, policyHash, signature, CacheEntry{
			PolicyHash: policyHash,
			Tool:       decision.IntentID,
			Params:     decision.Params,
			Confidence: decision.Confidence,
			Gap:        decision.Gap,
			Reason:     decision.DenyReason,
		}, r.cfg.CacheTTL)
	}

	return decision
}

func (r *Router) emptyInputDecision(policyHash string) IntentDecision {
	if r.cfg.DefaultTool == "" {
		return r.newDecision(0, "", 0, "no_match", map[string]interface{}{"note": "empty_input"}, false, false, policyHash, nil, nil)
	}
	return r.newDecision(0, r.cfg.DefaultTool, 1.0, "", map[string]interface{}{"note": "empty_input_default"}, false, false, policyHash, nil, nil)
}

func (r *Router) tier0(userInput, policyHash string) (IntentDecision, bool) {
	for _, pattern := range r.denyPatterns {
		if pattern.MatchString(userInput) {
			return r.newDecision(0, "", 1.0, "tier0_deny",
				map[string]interface{}{"rules_matched": []string{pattern.String()}}, false, false, policyHash, nil, nil), true
		}
	}

	if r.base != nil {
		decision := r.base.Route(userInput)
		if decision.Tool != "" {
			override := r.cfg.Overrides[decision.Tool]
			requiresHITL := override.Tier3Required
			denyReason := ""
			if requiresHITL {
				denyReason = "tier3_required"
			}
			evidence := map[string]interface{}{"rules_matched": []string{decision.Reason}, "hitl_message": r.hitlMessage()}
			return r.newDecision(0, decision.Tool, decision.Confidence, denyReason, evidence, false, requiresHITL, policyHash, decision.Params, nil), true
		}
	}

	for _, pattern := range r.allowPatterns {
		if pattern.MatchString(userInput) {
			evidence := map[string]interface{}{"rules_matched": []string{pattern.String()}}
			return r.newDecision(0, "allow_pattern", 0.9, "", evidence, false, false, policyHash, nil, nil), true
		}
	}

	return IntentDecision{}, false
}

func (r *Router) tier1(ctx context.Context, policyHash, signature string) (IntentDecision, bool) {
	if policyHash == "" || r.cache == nil {
		return IntentDecision{}, false
	}
	entry, ok := r.cache.Get(ctx, policyHash, signature)
	if !ok {
		return IntentDecision{}, false
	}
	evidence := map[string]interface{}{"cache_hit": true}
	return r.newDecision(1, entry.Tool, entry.Confidence, entry.Reason, evidence, true, false, policyHash, entry.Params, entry.Gap), true
}

func (r *Router) tier2(ctx context.Context, userInput, policyHash string) IntentDecision {
	decision, candidates := r.semanticRoute(ctx, userInput)

	var gap *float64
	if len(candidates) > 1 {
		g := candidates[0].Score - candidates[1].Score
		gap = &g
	}

	// The override that governs tier3_required is the *top candidate's*,
	// even when its score fell below min_confidence and decision.Tool was
	// therefore cleared to "no_match" (§4.6 edge case).
	overrideKey := decision.Tool
	if overrideKey == "" && len(candidates) > 0 {
		overrideKey = candidates[0].Tool
	}
	override := r.cfg.Overrides[overrideKey]
	minConfidence := r.cfg.MinConfidence
	if override.MinConfidence != nil {
		minConfidence = *override.MinConfidence
	}
	minGap := r.cfg.MinGap
	if override.MinGap != nil {
		minGap = *override.MinGap
	}

	guardTriggered, guardReason, guardMessage := ambiguityGuard(decision, candidates, minConfidence, minGap)
	requiresHITL := guardTriggered || override.Tier3Required
	denyReason := ""
	if guardTriggered {
		denyReason = guardReason
	} else if override.Tier3Required {
		denyReason = "tier3_required"
	}

	cacheable := decision.Tool != "" && !requiresHITL && decision.Confidence >= minConfidence && (gap == nil || *gap >= minGap)

	topK := candidates
	if len(topK) > 3 {
		topK = topK[:3]
	}
	evidence := map[string]interface{}{
		"semantic_topk":  topK,
		"guard_triggered": guardTriggered,
		"guard_message":   guardMessage,
	}
	if guardTriggered {
		evidence["hitl_message"] = r.hitlMessageOr(guardMessage)
	}

	return r.newDecision(2, decision.Tool, decision.Confidence, denyReason, evidence, cacheable, requiresHITL, policyHash, nil, gap)
}

func (r *Router) semanticRoute(ctx context.Context, userInput string) (RouteDecision, []Candidate) {
	if r.semantic == nil {
		return noMatch(), nil
	}
	return r.semantic.RouteWithDiagnostics(ctx, userInput)
}

// ambiguityGuard applies the exact-tie-is-always-ambiguous rule and the
// confidence/gap acceptance thresholds (§4.6 edge cases).
func ambiguityGuard(decision RouteDecision, candidates []Candidate, minConfidence, minGap float64) (triggered bool, reason, message string) {
	if decision.Tool == "" {
		return false, "", ""
	}
	if len(candidates) > 1 && candidates[0].Score == candidates[1].Score {
		return true, "ambiguous_intent", "Ambiguous intent: tied top candidates. Human review required."
	}
	if decision.Confidence < minConfidence {
		return true, "ambiguous_intent", "Ambiguous intent detected. Human review required."
	}
	if len(candidates) > 1 && (candidates[0].Score-candidates[1].Score) < minGap {
		return true, "ambiguous_intent", "Ambiguous intent detected. Human review required."
	}
	return false, "", ""
}

func (r *Router) maybeEnqueueHITL(ctx context.Context, decision IntentDecision) IntentDecision {
	if !decision.RequiresHITL || r.hitl == nil {
		return decision
	}
	req := HITLRequest{
		DecisionID:  decision.DecisionID,
		IntentID:    decision.IntentID,
		Confidence:  decision.Confidence,
		Gap:         decision.Gap,
		GuardReason: decision.DenyReason,
		Message:     r.hitlMessage(),
	}
	if topk, ok := decision.Evidence["semantic_topk"].([]Candidate); ok {
		req.Candidates = topk
	}
	enqueued, err := r.hitl.Enqueue(ctx, req)
	if err == nil && enqueued.ID != "" {
		decision.Evidence["hitl_request_id"] = enqueued.ID
	}
	decision.Evidence["hitl_message"] = r.hitlMessage()
	if decision.DenyReason == "" {
		decision.DenyReason = "hitl_required"
	}
	decision.Cacheable = false
	return decision
}

func (r *Router) hitlMessage() string {
	if r.cfg.HITLMessage != "" {
		return r.cfg.HITLMessage
	}
	return "Ambiguous intent detected. Human review required."
}

func (r *Router) hitlMessageOr(msg string) string {
	if msg != "" {
		return msg
	}
	return r.hitlMessage()
}

func (r *Router) newDecision(tier int, intentID string, confidence float64, denyReason string, evidence map[string]interface{}, cacheable, requiresHITL bool, policyHash string, params map[string]string, gap *float64) IntentDecision {
	if evidence == nil {
		evidence = map[string]interface{}{}
	}
	return IntentDecision{
		DecisionID:   r.idGen(),
		PolicyHash:   policyHash,
		TierUsed:     tier,
		IntentID:     intentID,
		Params:       params,
		Confidence:   confidence,
		Gap:          gap,
		RequiresHITL: requiresHITL,
		DenyReason:   denyReason,
		Evidence:     evidence,
		Cacheable:    cacheable,
	}
}

func (r *Router) recordTrace(ctx context.Context, traceID string, decision IntentDecision) {
	if r.trace == nil || traceID == "" {
		return
	}
	stepType := "intent_router"
	if decision.Shadow {
		stepType = "intent_router_shadow"
	}
	payload := map[string]interface{}{
		"decision_id":   decision.DecisionID,
		"policy_hash":   decision.PolicyHash,
		"tier_used":     decision.TierUsed,
		"intent_id":     decision.IntentID,
		"params":        decision.Params,
		"requires_hitl": decision.RequiresHITL,
		"confidence":    decision.Confidence,
		"gap":           decision.Gap,
		"deny_reason":   decision.DenyReason,
		"evidence":      decision.Evidence,
		"cacheable":     decision.Cacheable,
	}
	_, _, _ = r.trace.AppendStep(ctx, traceID, stepType, payload)
}

// normalizeInput collapses control characters, scrubs secret/PII-shaped
// substrings, collapses whitespace, and lower-cases — the exact
// normalization the reference implementation applies before hashing a
// Tier-1 cache signature (SPEC_FULL.md Expansion C).
func normalizeInput(text string) string {
	normalized := controlCharsPattern.ReplaceAllString(text, " ")
	normalized = redact.ScrubString(normalized, -1)
	normalized = strings.Join(strings.Fields(normalized), " ")
	return strings.ToLower(strings.TrimSpace(normalized))
}

// signatureOf hashes normalized input via the shared canonical-JSON
// primitive, truncated to 32 hex characters like the reference cache key.
func signatureOf(normalized string) string {
	canon, err := canonicalize.JCS(normalized)
	if err != nil {
		h := sha256.Sum256([]byte(normalized))
		return hex.EncodeToString(h[:])[:32]
	}
	return canonicalize.HashBytes(canon)[:32]
}
