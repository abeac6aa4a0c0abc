package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/trustgate/orchestrator/pkg/ledger"
	"github.com/trustgate/orchestrator/pkg/llmclient"
	"github.com/trustgate/orchestrator/pkg/orchestrator"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Messages      []llmclient.Message `json:"messages"`
	ProviderID    string               `json:"provider_id,omitempty"`
	ModelID       string               `json:"model_id,omitempty"`
	ApprovalToken string               `json:"approval_token,omitempty"`
}

// ChatCompletionResponse mirrors ChatResponse for the wire.
type ChatCompletionResponse struct {
	TraceID        string      `json:"trace_id"`
	Status         string      `json:"status"`
	Content        string      `json:"content,omitempty"`
	Tool           string      `json:"tool,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Truncated      bool        `json:"truncated,omitempty"`
	Error          string      `json:"error,omitempty"`
	ApprovalReason string      `json:"approval_reason,omitempty"`
	HITLRequestID  string      `json:"hitl_request_id,omitempty"`
}

// ToolCallRequest is the shared body shape of /v1/tools/approve and
// /v1/tools/execute.
type ToolCallRequest struct {
	Name          string                 `json:"name"`
	Args          map[string]interface{} `json:"args"`
	ApprovalToken string                 `json:"approval_token,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
}

// ApproveResponse is §6's approval-issue response schema.
type ApproveResponse struct {
	ApprovalID string    `json:"approval_id"`
	Tool       string    `json:"tool"`
	ArgsHash   string    `json:"args_hash"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     string    `json:"status"`
}

// Server wires the orchestrator and trace ledger to an HTTP surface.
type Server struct {
	orch   *orchestrator.Orchestrator
	ledger *ledger.Ledger
	idGen  func() string
}

// NewServer builds a Server around an Orchestrator and its Ledger.
func NewServer(orch *orchestrator.Orchestrator, l *ledger.Ledger, idGen func() string) *Server {
	return &Server{orch: orch, ledger: l, idGen: idGen}
}

func (s *Server) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			writeRequestTooLarge(w, r)
			return
		}
		writeBadRequest(w, r, "malformed_request", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeBadRequest(w, r, "malformed_request", "messages must not be empty")
		return
	}

	resp, err := s.orch.HandleChat(r.Context(), orchestrator.ChatRequest{
		Messages:      req.Messages,
		ProviderID:    req.ProviderID,
		ModelID:       req.ModelID,
		ApprovalToken: req.ApprovalToken,
	})
	w.Header().Set("X-Trace-Id", resp.TraceID)

	if err != nil {
		s.writeOrchestratorError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		TraceID:   resp.TraceID,
		Status:    resp.Status,
		Content:   resp.Content,
		Tool:      resp.Tool,
		Result:    resp.ToolResult,
		Truncated: resp.Truncated,
	})
}

func (s *Server) HandleToolsApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			writeRequestTooLarge(w, r)
			return
		}
		writeBadRequest(w, r, "malformed_request", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, r, "malformed_request", "name is required")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	issued, err := s.orch.HandleApprove(r.Context(), req.Name, req.Args, ttl)
	if err != nil {
		writeInternal(w, r, "approval_backend_error", err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveResponse{
		ApprovalID: issued.ID,
		Tool:       issued.ToolName,
		ArgsHash:   issued.ArgsHash,
		CreatedAt:  issued.CreatedAt,
		ExpiresAt:  issued.ExpiresAt,
		Status:     issued.Status,
	})
}

func (s *Server) HandleToolsExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			writeRequestTooLarge(w, r)
			return
		}
		writeBadRequest(w, r, "malformed_request", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, r, "malformed_request", "name is required")
		return
	}

	resp, err := s.orch.HandleExecute(r.Context(), req.Name, req.Args, req.ApprovalToken)
	w.Header().Set("X-Trace-Id", resp.TraceID)

	if err != nil {
		s.writeOrchestratorError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		TraceID:   resp.TraceID,
		Status:    resp.Status,
		Tool:      resp.Tool,
		Result:    resp.ToolResult,
		Truncated: resp.Truncated,
	})
}

// TraceEventsResponse is the body of GET /v1/trust/events.
type TraceEventsResponse struct {
	Events []TraceStepView `json:"events"`
}

// TraceStepView is a redacted, wire-shaped TraceStep.
type TraceStepView struct {
	TraceID   string                 `json:"trace_id"`
	Position  uint64                 `json:"position"`
	StepType  string                 `json:"step_type"`
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
	ChainHash string                 `json:"chain_hash"`
}

func (s *Server) HandleTrustEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	steps, err := s.ledger.RecentSteps(r.Context(), 200, ledger.DefaultRedactionProfile)
	if err != nil {
		writeInternal(w, r, "trace_backend_error", err)
		return
	}
	writeJSON(w, http.StatusOK, TraceEventsResponse{Events: toStepViews(steps)})
}

func (s *Server) HandleTrustTrace(w http.ResponseWriter, r *http.Request, traceID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	steps, err := s.ledger.ReadSteps(r.Context(), traceID, ledger.DefaultRedactionProfile)
	if err != nil {
		if errors.Is(err, ledger.ErrTraceNotFound) {
			writeNotFound(w, r, "trace not found")
			return
		}
		writeInternal(w, r, "trace_backend_error", err)
		return
	}
	writeJSON(w, http.StatusOK, TraceEventsResponse{Events: toStepViews(steps)})
}

// TraceVerifyResponse is §6's trace-verify response schema.
type TraceVerifyResponse struct {
	TraceID   string `json:"trace_id"`
	ChainHash string `json:"chain_hash"`
	OK        *bool  `json:"ok,omitempty"`
}

func (s *Server) HandleTrustVerify(w http.ResponseWriter, r *http.Request, traceID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	expected := r.URL.Query().Get("expected_hash")
	result, err := s.ledger.VerifyChain(r.Context(), traceID, expected)
	if err != nil {
		writeInternal(w, r, "trace_backend_error", err)
		return
	}
	resp := TraceVerifyResponse{TraceID: traceID, ChainHash: result.ComputedHash}
	if expected != "" {
		ok := result.OK
		resp.OK = &ok
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, r *http.Request, resp orchestrator.ChatResponse, err error) {
	var orchErr *orchestrator.Error
	if !errors.As(err, &orchErr) {
		writeInternal(w, r, "trace_backend_error", err)
		return
	}
	status := statusForCode(orchErr.Code)
	body := ChatCompletionResponse{
		TraceID:        resp.TraceID,
		Status:         "error",
		Tool:           resp.Tool,
		Error:          orchErr.Code,
		ApprovalReason: resp.ApprovalReason,
	}
	if status >= 500 {
		slog.Error("orchestrator system error", "code", orchErr.Code, "trace_id", resp.TraceID, "message", orchErr.Message)
	}
	writeJSON(w, status, body)
}

func toStepViews(steps []ledger.TraceStep) []TraceStepView {
	out := make([]TraceStepView, len(steps))
	for i, s := range steps {
		out[i] = TraceStepView{
			TraceID: s.TraceID, Position: s.Position, StepType: s.StepType,
			CreatedAt: s.CreatedAt, Payload: s.Payload, ChainHash: s.ChainHash,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isBodyTooLarge(err error) bool {
	return err != nil && err.Error() == "http: request body too large"
}
