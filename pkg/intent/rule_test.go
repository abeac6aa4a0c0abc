package intent

import "testing"

func TestDefaultRuleRouter_EchoKeyword(t *testing.T) {
	router := DefaultRuleRouter()
	decision := router.Route("please echo hello world")
	if decision.Tool != "echo" {
		t.Fatalf("expected echo, got %q", decision.Tool)
	}
	if decision.Params["message"] != "please  hello world" {
		t.Errorf("unexpected params: %+v", decision.Params)
	}
}

func TestDefaultRuleRouter_CalcKeyword(t *testing.T) {
	router := DefaultRuleRouter()
	decision := router.Route("calc 2+2")
	if decision.Tool != "safe_calc" {
		t.Fatalf("expected safe_calc, got %q", decision.Tool)
	}
}

func TestDefaultRuleRouter_NoMatch(t *testing.T) {
	router := DefaultRuleRouter()
	decision := router.Route("what is the weather today")
	if decision.Tool != "" || decision.Reason != "no_match" {
		t.Errorf("expected no_match, got %+v", decision)
	}
}

func TestRuleRouter_FirstMatchWins(t *testing.T) {
	router := NewRuleRouter()
	router.AddRule(Rule{Tool: "a", Predicate: func(string) bool { return true }, Reason: "always_a"})
	router.AddRule(Rule{Tool: "b", Predicate: func(string) bool { return true }, Reason: "always_b"})

	decision := router.Route("anything")
	if decision.Tool != "a" {
		t.Errorf("expected first rule to win, got %q", decision.Tool)
	}
}
