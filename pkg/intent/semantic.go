package intent

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Embedder turns text into a fixed-dimension vector. Providers that cannot
// or should not call out to an embedding model (network disabled, tests)
// pass a nil Embedder, which disables the semantic tier entirely.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ToolDescriptor is the subset of a registered tool the semantic router
// needs: enough to build an embeddable prompt and to report a candidate.
type ToolDescriptor struct {
	Name        string
	Description string
}

// Candidate is one tool's cosine-similarity score against the input.
type Candidate struct {
	Tool  string
	Score float64
}

// SemanticRouter implements Tier 2: embed the input and every enabled
// tool's description, accept the top candidate only if it clears both a
// minimum confidence and a minimum gap over the runner-up.
type SemanticRouter struct {
	embedder     Embedder
	minConfidence float64
	minGap        float64

	mu             sync.Mutex
	toolEmbeddings map[string][]float32
	tools          []ToolDescriptor
}

// NewSemanticRouter builds a router over tools. A nil embedder makes the
// router permanently disabled (Route always returns zero candidates).
func NewSemanticRouter(embedder Embedder, tools []ToolDescriptor, minConfidence, minGap float64) *SemanticRouter {
	return &SemanticRouter{
		embedder:       embedder,
		minConfidence:  minConfidence,
		minGap:         minGap,
		toolEmbeddings: make(map[string][]float32),
		tools:          tools,
	}
}

// Enabled reports whether the semantic tier can run at all.
func (s *SemanticRouter) Enabled() bool {
	return s != nil && s.embedder != nil
}

// RouteWithDiagnostics ranks every tool against input and returns the full
// candidate list (highest score first) alongside the accept/reject verdict.
// An empty or whitespace-only input, or a disabled router, yields no
// candidates.
func (s *SemanticRouter) RouteWithDiagnostics(ctx context.Context, input string) (RouteDecision, []Candidate) {
	if !s.Enabled() || strings.TrimSpace(input) == "" {
		return noMatch(), nil
	}

	inputVec, err := s.embedder.Embed(ctx, input)
	if err != nil || len(inputVec) == 0 {
		return noMatch(), nil
	}

	candidates := s.rankCandidates(ctx, inputVec)
	if len(candidates) == 0 {
		return noMatch(), nil
	}

	best := candidates[0]
	if best.Score < s.minConfidence {
		return noMatch(), candidates
	}
	if len(candidates) > 1 {
		gap := best.Score - candidates[1].Score
		if gap < s.minGap {
			return noMatch(), candidates
		}
	}

	return RouteDecision{Tool: best.Tool, Confidence: best.Score, Reason: "semantic_match"}, candidates
}

func (s *SemanticRouter) rankCandidates(ctx context.Context, inputVec []float32) []Candidate {
	candidates := make([]Candidate, 0, len(s.tools))
	for _, tool := range s.tools {
		toolVec := s.toolEmbedding(ctx, tool)
		if len(toolVec) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Tool: tool.Name, Score: cosineSimilarity(inputVec, toolVec)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates
}

func (s *SemanticRouter) toolEmbedding(ctx context.Context, tool ToolDescriptor) []float32 {
	s.mu.Lock()
	if vec, ok := s.toolEmbeddings[tool.Name]; ok {
		s.mu.Unlock()
		return vec
	}
	s.mu.Unlock()

	prompt := strings.TrimSpace(tool.Name + ": " + tool.Description)
	vec, err := s.embedder.Embed(ctx, prompt)
	if err != nil || len(vec) == 0 {
		return nil
	}
	s.mu.Lock()
	s.toolEmbeddings[tool.Name] = vec
	s.mu.Unlock()
	return vec
}

func noMatch() RouteDecision {
	return RouteDecision{Reason: "no_match"}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
