// Package policy implements the Policy Engine (C2): an ordered set of
// allow/deny rules over tool name and call arguments, hot-reloadable
// without disturbing in-flight decisions.
package policy

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/trustgate/orchestrator/pkg/canonicalize"
)

// Rule is one entry of a policy document. MatchPattern is a regular
// expression tested against tool_name (case-insensitive, like the rest of
// this repository's pattern matching). Conditions are CEL boolean
// expressions evaluated over tool/args/safe; any condition that evaluates
// false (or fails to evaluate) skips the rule rather than denying outright.
type Rule struct {
	MatchPattern string   `yaml:"match"`
	Action       string   `yaml:"action"` // "allow" or "deny"
	Reason       string   `yaml:"reason"`
	RequireSafe  bool     `yaml:"require_safe"`
	Conditions   []string `yaml:"conditions"`
}

// Document is a loadable policy bundle.
type Document struct {
	Version          string `yaml:"version"`
	MinEngineVersion string `yaml:"min_engine_version"`
	Enforce          bool   `yaml:"enforce"`
	Rules            []Rule `yaml:"rules"`
}

// Decision is the result of Check.
type Decision struct {
	Allow            bool
	Reason           string
	MatchedRuleIndex int // -1 when no rule matched
	PolicyHash       string
}

type compiledRule struct {
	Rule
	matcher    *regexp.Regexp
	conditions []cel.Program
}

type snapshot struct {
	rules      []compiledRule
	enforce    bool
	policyHash string
}

// Engine evaluates Check against the most recently loaded Document.
// Reads never block on a concurrent Load: the current snapshot is swapped
// atomically (read-copy-update), so in-flight decisions keep running
// against the policy_hash they captured.
type Engine struct {
	current  atomic.Pointer[snapshot]
	onReload func(policyHash string)
}

// NewEngine returns an Engine with no policy loaded; Check on an empty
// Engine denies everything with reason "policy_missing".
func NewEngine() *Engine {
	return &Engine{}
}

// OnReload registers a callback invoked after each successful Load, with
// the new policy_hash. The orchestrator uses this to flush the intent
// cache, whose entries are keyed in part by policy_hash (§4.2, §4.6).
func (e *Engine) OnReload(fn func(policyHash string)) {
	e.onReload = fn
}

// PolicyHash returns the hash of the currently active document, or "" if
// none is loaded.
func (e *Engine) PolicyHash() string {
	snap := e.current.Load()
	if snap == nil {
		return ""
	}
	return snap.policyHash
}

// Load compiles doc's rules and atomically publishes them as the active
// snapshot. It rejects documents whose min_engine_version exceeds the
// running engine's version.
func (e *Engine) Load(doc Document) error {
	if err := checkEngineVersion(doc.MinEngineVersion); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	env, err := newConditionEnv()
	if err != nil {
		return fmt.Errorf("policy: build CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		matcher, err := regexp.Compile("(?i)" + r.MatchPattern)
		if err != nil {
			return fmt.Errorf("policy: rule %d: invalid match pattern %q: %w", i, r.MatchPattern, err)
		}
		programs := make([]cel.Program, 0, len(r.Conditions))
		for _, cond := range r.Conditions {
			prg, err := compileCondition(env, cond)
			if err != nil {
				return fmt.Errorf("policy: rule %d: invalid condition %q: %w", i, cond, err)
			}
			programs = append(programs, prg)
		}
		compiled = append(compiled, compiledRule{Rule: r, matcher: matcher, conditions: programs})
	}

	hash, err := policyHash(doc)
	if err != nil {
		return fmt.Errorf("policy: hash document: %w", err)
	}

	e.current.Store(&snapshot{rules: compiled, enforce: doc.Enforce, policyHash: hash})
	if e.onReload != nil {
		e.onReload(hash)
	}
	return nil
}

// Check evaluates tool_name/args/safe against the active snapshot.
func (e *Engine) Check(toolName string, args map[string]interface{}, safe bool) Decision {
	snap := e.current.Load()
	if snap == nil {
		return Decision{Allow: false, Reason: "policy_missing", MatchedRuleIndex: -1}
	}
	if !snap.enforce {
		return Decision{Allow: true, Reason: "policy_disabled", MatchedRuleIndex: -1, PolicyHash: snap.policyHash}
	}
	if len(snap.rules) == 0 {
		return Decision{Allow: false, Reason: "policy_missing", MatchedRuleIndex: -1, PolicyHash: snap.policyHash}
	}

	input := map[string]interface{}{"tool": toolName, "args": args, "safe": safe}

	for i, rule := range snap.rules {
		if !rule.matcher.MatchString(toolName) {
			continue
		}
		if rule.RequireSafe && !safe {
			return Decision{Allow: false, Reason: "policy_requires_safe", MatchedRuleIndex: i, PolicyHash: snap.policyHash}
		}
		if !conditionsHold(rule.conditions, input) {
			continue
		}

		action := rule.Action
		if action == "" {
			action = "allow"
		}
		return Decision{
			Allow:            action == "allow",
			Reason:           rule.Reason,
			MatchedRuleIndex: i,
			PolicyHash:       snap.policyHash,
		}
	}

	return Decision{Allow: false, Reason: "policy_default_deny", MatchedRuleIndex: -1, PolicyHash: snap.policyHash}
}

func policyHash(doc Document) (string, error) {
	return canonicalize.CanonicalHash(doc.Rules)
}
