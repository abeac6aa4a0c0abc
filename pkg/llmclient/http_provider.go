package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ProviderRoute resolves a provider_id to an API base URL, key, and the
// allowlist of model ids it may serve (empty allowlist means any model
// id is accepted).
type ProviderRoute struct {
	BaseURL      string
	APIKey       string
	ModelAllow   []string
	DefaultModel string
}

// HTTPProvider talks to OpenAI-compatible chat-completion endpoints. It
// performs exactly one request per Do call; retry/backoff/breaker logic
// lives one layer up in Client.
type HTTPProvider struct {
	httpClient *http.Client
	routes     map[string]ProviderRoute
}

// NewHTTPProvider builds a transport keyed by provider_id.
func NewHTTPProvider(httpClient *http.Client, routes map[string]ProviderRoute) *HTTPProvider {
	return &HTTPProvider{httpClient: httpClient, routes: routes}
}

type chatCompletionRequest struct {
	Model    string              `json:"model"`
	Messages []chatMessagePayload `json:"messages"`
}

type chatMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *HTTPProvider) Do(ctx context.Context, providerID, modelID string, messages []Message) (string, string, error) {
	route, ok := p.routes[providerID]
	if !ok {
		return "", "", &CallError{Class: FailureProtocol, Err: fmt.Errorf("unknown provider_id %q", providerID)}
	}

	if modelID == "" {
		modelID = route.DefaultModel
	}
	if len(route.ModelAllow) > 0 && !contains(route.ModelAllow, modelID) {
		return "", "", &CallError{Class: FailureModelRejected, Err: fmt.Errorf("model %q not allowed for provider %q", modelID, providerID)}
	}

	payload := chatCompletionRequest{Model: modelID, Messages: toPayloadMessages(messages)}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", &CallError{Class: FailureProtocol, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", "", &CallError{Class: FailureProtocol, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+route.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", &CallError{Class: classifyTransportErr(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", &CallError{Class: FailureNetwork, Err: err}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", &CallError{Class: FailureProtocol, Err: fmt.Errorf("decode response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return "", "", &CallError{Class: FailureNetwork, Err: fmt.Errorf("provider %q returned status %d", providerID, resp.StatusCode)}
	}
	if parsed.Error != nil {
		return "", "", &CallError{Class: FailureModelRejected, Err: errors.New(parsed.Error.Message)}
	}
	if resp.StatusCode >= 400 {
		return "", "", &CallError{Class: FailureProtocol, Err: fmt.Errorf("provider %q returned status %d", providerID, resp.StatusCode)}
	}
	if len(parsed.Choices) == 0 {
		return "", "", &CallError{Class: FailureProtocol, Err: errors.New("provider returned no choices")}
	}

	resolvedModel := parsed.Model
	if resolvedModel == "" {
		resolvedModel = modelID
	}
	return parsed.Choices[0].Message.Content, resolvedModel, nil
}

func classifyTransportErr(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureNetwork
}

func toPayloadMessages(messages []Message) []chatMessagePayload {
	out := make([]chatMessagePayload, len(messages))
	for i, m := range messages {
		out[i] = chatMessagePayload{Role: m.Role, Content: m.Content}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
