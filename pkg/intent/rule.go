package intent

import "strings"

// RouteDecision is the outcome of a rule-router lookup: either a tool with
// bound params, or the zero value (Tool == "") meaning no rule matched.
type RouteDecision struct {
	Tool       string
	Params     map[string]string
	Confidence float64
	Reason     string
}

// Rule is one deterministic, explainable entry of a RuleRouter.
type Rule struct {
	Tool         string
	Predicate    func(input string) bool
	ParamBuilder func(input string) map[string]string
	Confidence   float64
	Reason       string
}

// RuleRouter is the Tier-0 keyword/regex router: ordered, first match wins.
type RuleRouter struct {
	rules []Rule
}

// NewRuleRouter returns an empty router.
func NewRuleRouter() *RuleRouter {
	return &RuleRouter{}
}

// AddRule appends r to the ordered rule list.
func (rr *RuleRouter) AddRule(r Rule) {
	rr.rules = append(rr.rules, r)
}

// Route returns the first matching rule's decision, or a RouteDecision
// with no tool and reason "no_match" if nothing matches.
func (rr *RuleRouter) Route(input string) RouteDecision {
	for _, r := range rr.rules {
		if r.Predicate(input) {
			var params map[string]string
			if r.ParamBuilder != nil {
				params = r.ParamBuilder(input)
			}
			return RouteDecision{Tool: r.Tool, Params: params, Confidence: r.Confidence, Reason: r.Reason}
		}
	}
	return RouteDecision{Reason: "no_match"}
}

// DefaultRuleRouter builds the built-in echo/calc keyword rules used when no
// custom rule router is configured, matching the reference orchestrator's
// bootstrap rule set.
func DefaultRuleRouter() *RuleRouter {
	router := NewRuleRouter()
	router.AddRule(Rule{
		Tool:       "safe_calc",
		Predicate:  func(text string) bool { return strings.Contains(strings.ToLower(text), "calc") },
		Confidence: 0.8,
		Reason:     "keyword_calc",
		ParamBuilder: func(text string) map[string]string {
			return map[string]string{"expression": stripKeyword(text, "calc")}
		},
	})
	router.AddRule(Rule{
		Tool:       "echo",
		Predicate:  func(text string) bool { return strings.Contains(strings.ToLower(text), "echo") },
		Confidence: 0.6,
		Reason:     "keyword_echo",
		ParamBuilder: func(text string) map[string]string {
			return map[string]string{"message": stripKeyword(text, "echo")}
		},
	})
	return router
}

func stripKeyword(text, keyword string) string {
	lowered := strings.ToLower(text)
	idx := strings.Index(lowered, keyword)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(lowered[:idx] + lowered[idx+len(keyword):])
}
