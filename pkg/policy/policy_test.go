package policy

import "testing"

func TestEngine_Check_PolicyMissingWithNoDocumentLoaded(t *testing.T) {
	e := NewEngine()
	d := e.Check("echo", nil, true)
	if d.Allow {
		t.Error("expected deny when no policy is loaded")
	}
	if d.Reason != "policy_missing" {
		t.Errorf("expected policy_missing, got %s", d.Reason)
	}
}

func TestEngine_Check_DisabledEnforcementAllowsAll(t *testing.T) {
	e := NewEngine()
	if err := e.Load(Document{Enforce: false}); err != nil {
		t.Fatalf("load: %v", err)
	}
	d := e.Check("rm_rf_everything", nil, false)
	if !d.Allow || d.Reason != "policy_disabled" {
		t.Errorf("expected allow/policy_disabled, got %+v", d)
	}
}

func TestEngine_Check_DefaultDenyWhenEnforcedAndNoRuleMatches(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{
		Enforce: true,
		Rules:   []Rule{{MatchPattern: "^search_", Action: "allow", Reason: "safe_search"}},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := e.Check("delete_everything", nil, true)
	if d.Allow || d.Reason != "policy_default_deny" {
		t.Errorf("expected policy_default_deny, got %+v", d)
	}
}

func TestEngine_Check_AllowsMatchingRule(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{
		Enforce: true,
		Rules: []Rule{
			{MatchPattern: "^echo$", Action: "allow", Reason: "harmless"},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := e.Check("echo", map[string]interface{}{"message": "hi"}, true)
	if !d.Allow || d.Reason != "harmless" || d.MatchedRuleIndex != 0 {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestEngine_Check_DeniesOnRequireSafeViolation(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{
		Enforce: true,
		Rules: []Rule{
			{MatchPattern: "^exec_", RequireSafe: true, Action: "allow", Reason: "unsafe_shell"},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := e.Check("exec_shell", nil, false)
	if d.Allow || d.Reason != "policy_requires_safe" {
		t.Errorf("expected policy_requires_safe, got %+v", d)
	}
}

func TestEngine_Check_ConditionFailureSkipsToNextRule(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{
		Enforce: true,
		Rules: []Rule{
			{
				MatchPattern: "^search_",
				Action:       "allow",
				Reason:       "short_query",
				Conditions:   []string{`size(args.query) <= 10`},
			},
			{MatchPattern: "^search_", Action: "deny", Reason: "query_too_long"},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	short := e.Check("search_web", map[string]interface{}{"query": "cats"}, true)
	if !short.Allow || short.MatchedRuleIndex != 0 {
		t.Errorf("expected first rule to match short query: %+v", short)
	}

	long := e.Check("search_web", map[string]interface{}{"query": "this query is definitely too long"}, true)
	if long.Allow || long.MatchedRuleIndex != 1 || long.Reason != "query_too_long" {
		t.Errorf("expected second rule after condition skip: %+v", long)
	}
}

func TestEngine_Load_RejectsIncompatibleMinEngineVersion(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{Enforce: true, MinEngineVersion: "999.0.0"})
	if err == nil {
		t.Error("expected error loading document requiring a future engine version")
	}
}

func TestEngine_Load_RejectsInvalidConditionExpression(t *testing.T) {
	e := NewEngine()
	err := e.Load(Document{
		Enforce: true,
		Rules:   []Rule{{MatchPattern: ".*", Conditions: []string{"not valid cel(("}}},
	})
	if err == nil {
		t.Error("expected error compiling an invalid CEL condition")
	}
}

func TestEngine_Load_PublishesNewPolicyHashAndFiresOnReload(t *testing.T) {
	e := NewEngine()
	var reloadedHash string
	e.OnReload(func(hash string) { reloadedHash = hash })

	if err := e.Load(Document{Enforce: true, Rules: []Rule{{MatchPattern: "a", Action: "allow", Reason: "a"}}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	firstHash := e.PolicyHash()
	if firstHash == "" {
		t.Fatal("expected non-empty policy hash after load")
	}
	if reloadedHash != firstHash {
		t.Errorf("expected OnReload callback to fire with the new hash, got %q want %q", reloadedHash, firstHash)
	}

	if err := e.Load(Document{Enforce: true, Rules: []Rule{{MatchPattern: "b", Action: "allow", Reason: "b"}}}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e.PolicyHash() == firstHash {
		t.Error("expected policy hash to change after reload with different rules")
	}
}

func TestEngine_Check_InFlightDecisionUsesCapturedHash(t *testing.T) {
	e := NewEngine()
	if err := e.Load(Document{Enforce: true, Rules: []Rule{{MatchPattern: "a", Action: "allow", Reason: "a"}}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	d1 := e.Check("a", nil, true)

	if err := e.Load(Document{Enforce: true, Rules: []Rule{{MatchPattern: "b", Action: "allow", Reason: "b"}}}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	// A decision captured before reload keeps referring to its own hash;
	// it is the caller's responsibility to have stored d1.PolicyHash
	// alongside the decision rather than re-reading e.PolicyHash() later.
	if d1.PolicyHash == e.PolicyHash() {
		t.Error("expected pre-reload decision hash to differ from the now-current hash")
	}
}

func TestLoadYAML_ParsesDocument(t *testing.T) {
	data := []byte(`
version: "1"
enforce: true
rules:
  - match: "^echo$"
    action: allow
    reason: harmless
  - match: ".*"
    action: deny
    reason: policy_default_deny
`)
	doc, err := LoadYAML(data)
	if err != nil {
		t.Fatalf("load_yaml: %v", err)
	}
	if len(doc.Rules) != 2 || !doc.Enforce {
		t.Errorf("unexpected document: %+v", doc)
	}
}
