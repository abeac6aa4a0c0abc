package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trustgate/orchestrator/pkg/approval"
	"github.com/trustgate/orchestrator/pkg/intent"
	"github.com/trustgate/orchestrator/pkg/ledger"
	"github.com/trustgate/orchestrator/pkg/llmclient"
	"github.com/trustgate/orchestrator/pkg/orchestrator"
	"github.com/trustgate/orchestrator/pkg/policy"
	"github.com/trustgate/orchestrator/pkg/registry"
)

type stubProvider struct{}

func (stubProvider) Do(ctx context.Context, providerID, modelID string, messages []llmclient.Message) (string, string, error) {
	return "hello from the model", modelID, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	seq := 0
	idGen := func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	l := ledger.New(ledger.NewMemoryBackend(), idGen)

	pol := policy.NewEngine()
	if err := pol.Load(policy.Document{Version: "v1", Enforce: true, Rules: []policy.Rule{
		{MatchPattern: ".*", Action: "allow", Reason: "test_allow_all"},
	}}); err != nil {
		t.Fatalf("load policy: %v", err)
	}

	reg := registry.New()
	if err := reg.Register(registry.ToolSpec{
		Name: "echo",
		Handler: func(args map[string]interface{}) (interface{}, error) {
			return args["message"], nil
		},
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := reg.Register(registry.ToolSpec{
		Name:   "delete_file",
		Unsafe: true,
		Handler: func(args map[string]interface{}) (interface{}, error) {
			return "deleted", nil
		},
		AllowFallback: true,
	}); err != nil {
		t.Fatalf("register delete_file: %v", err)
	}
	exec := registry.NewExecutor(reg, nil, l)

	appr := approval.New(approval.NewMemoryBackend(), idGen)

	provider := llmclient.New(stubProvider{}, llmclient.DefaultConfig)

	router := intent.New(intent.Config{
		Enabled: true, CacheTTL: time.Minute,
	}, intent.DefaultRuleRouter(), nil, intent.NewMemoryCache(), nil, l, idGen)

	orch := orchestrator.New(orchestrator.DefaultConfig, l, pol, reg, exec, appr, provider, router)
	return NewServer(orch, l, idGen)
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandleChatCompletions_EchoToolViaRuleTier(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.HandleChatCompletions, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []llmclient.Message{{Role: "user", Content: "echo hello world"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ChatCompletionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Tool != "echo" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if w.Header().Get("X-Trace-Id") == "" {
		t.Error("expected X-Trace-Id header set")
	}
}

func TestHandleChatCompletions_RejectsEmptyMessages(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.HandleChatCompletions, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty messages, got %d", w.Code)
	}
}

func TestHandleChatCompletions_WrongMethod(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	s.HandleChatCompletions(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

// TestApproveThenExecute_UnsafeTool exercises the approval-required flow:
// executing an unsafe tool with no token fails, issuing a token and
// replaying it succeeds, and replaying it a second time is rejected as
// already consumed.
func TestApproveThenExecute_UnsafeTool(t *testing.T) {
	s := newTestServer(t)
	args := map[string]interface{}{"path": "/tmp/x"}

	w := doJSON(t, s.HandleToolsExecute, http.MethodPost, "/v1/tools/execute", ToolCallRequest{
		Name: "delete_file", Args: args,
	})
	var first ChatCompletionResponse
	_ = json.NewDecoder(w.Body).Decode(&first)
	if first.Error != "approval_required" || first.Tool != "delete_file" || first.ApprovalReason != approval.ReasonMissingApproval {
		t.Fatalf("expected approval_required/missing_approval for delete_file with no token, got %+v", first)
	}

	w = doJSON(t, s.HandleToolsApprove, http.MethodPost, "/v1/tools/approve", ToolCallRequest{
		Name: "delete_file", Args: args, TTLSeconds: 60,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("approve failed: %d %s", w.Code, w.Body.String())
	}
	var approveResp ApproveResponse
	if err := json.NewDecoder(w.Body).Decode(&approveResp); err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if approveResp.ApprovalID == "" {
		t.Fatal("expected non-empty approval id")
	}

	w = doJSON(t, s.HandleToolsExecute, http.MethodPost, "/v1/tools/execute", ToolCallRequest{
		Name: "delete_file", Args: args, ApprovalToken: approveResp.ApprovalID,
	})
	var second ChatCompletionResponse
	_ = json.NewDecoder(w.Body).Decode(&second)
	if second.Status != "ok" {
		t.Fatalf("expected ok on approved execute, got %+v", second)
	}

	w = doJSON(t, s.HandleToolsExecute, http.MethodPost, "/v1/tools/execute", ToolCallRequest{
		Name: "delete_file", Args: args, ApprovalToken: approveResp.ApprovalID,
	})
	var third ChatCompletionResponse
	_ = json.NewDecoder(w.Body).Decode(&third)
	if third.Error != "approval_required" || third.ApprovalReason != approval.ReasonAlreadyConsumed {
		t.Fatalf("expected replayed token rejected as already_consumed, got %+v", third)
	}
}

func TestHandleTrustEvents_ReturnsAppendedSteps(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s.HandleChatCompletions, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []llmclient.Message{{Role: "user", Content: "echo hi"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/trust/events", nil)
	w := httptest.NewRecorder()
	s.HandleTrustEvents(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp TraceEventsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) == 0 {
		t.Error("expected at least one recorded event")
	}
}

func TestHandleTrustVerify_ReturnsChainHash(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s.HandleChatCompletions, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []llmclient.Message{{Role: "user", Content: "echo hi"}},
	})
	var chat ChatCompletionResponse
	_ = json.NewDecoder(w.Body).Decode(&chat)

	req := httptest.NewRequest(http.MethodGet, "/v1/trust/verify/"+chat.TraceID, nil)
	w2 := httptest.NewRecorder()
	s.HandleTrustVerify(w2, req, chat.TraceID)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
	var verify TraceVerifyResponse
	if err := json.NewDecoder(w2.Body).Decode(&verify); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if verify.ChainHash == "" {
		t.Error("expected non-empty chain hash")
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from health, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from ready, got %d", w.Code)
	}
}
