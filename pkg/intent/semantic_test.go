package intent

import (
	"context"
	"testing"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 0}, nil
}

func TestSemanticRouter_AcceptsClearWinner(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"send an email":                    {1, 0, 0},
		"send_email: sends an email":       {1, 0, 0},
		"web_search: searches the web":     {0, 1, 0},
	}}
	tools := []ToolDescriptor{
		{Name: "send_email", Description: "sends an email"},
		{Name: "web_search", Description: "searches the web"},
	}
	router := NewSemanticRouter(embedder, tools, 0.7, 0.1)

	decision, candidates := router.RouteWithDiagnostics(context.Background(), "send an email")
	if decision.Tool != "send_email" {
		t.Fatalf("expected send_email, got %+v (candidates=%+v)", decision, candidates)
	}
}

func TestSemanticRouter_RejectsBelowConfidence(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"vague input":                  {0.1, 0.1, 0},
		"send_email: sends an email":   {1, 0, 0},
		"web_search: searches the web": {0, 1, 0},
	}}
	tools := []ToolDescriptor{
		{Name: "send_email", Description: "sends an email"},
		{Name: "web_search", Description: "searches the web"},
	}
	router := NewSemanticRouter(embedder, tools, 0.99, 0.1)

	decision, _ := router.RouteWithDiagnostics(context.Background(), "vague input")
	if decision.Tool != "" || decision.Reason != "no_match" {
		t.Errorf("expected no_match, got %+v", decision)
	}
}

func TestSemanticRouter_DisabledWithNilEmbedder(t *testing.T) {
	router := NewSemanticRouter(nil, nil, 0.5, 0.1)
	if router.Enabled() {
		t.Error("expected router with nil embedder to be disabled")
	}
	decision, candidates := router.RouteWithDiagnostics(context.Background(), "anything")
	if decision.Tool != "" || candidates != nil {
		t.Errorf("expected no candidates from a disabled router, got %+v %+v", decision, candidates)
	}
}

func TestCosineSimilarity_IdenticalVectors(t *testing.T) {
	a := []float32{1, 2, 3}
	if sim := cosineSimilarity(a, a); sim < 0.999 {
		t.Errorf("expected similarity ~1.0, got %f", sim)
	}
}

func TestCosineSimilarity_OrthogonalVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if sim := cosineSimilarity(a, b); sim != 0 {
		t.Errorf("expected similarity 0, got %f", sim)
	}
}
