// =============================================================================
// OpenAI-Compatible Provider
// =============================================================================
// Speaks the chat/completions protocol shared by OpenAI, DeepSeek, and most
// self-hosted gateways (vLLM, LiteLLM). Endpoint and auth header are the only
// things that vary between deployments, both come from the routing entry.
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/internal/tlsutil"
	"github.com/svv2602/call-center-sub001/llm"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the routing key for this provider (e.g. "openai-main").
	ProviderName string

	// APIKey authenticates against the provider's API. Resolved from the
	// process environment by the caller; empty is allowed for local gateways.
	APIKey string

	// BaseURL is the base URL for the provider's API (e.g. "https://api.openai.com").
	BaseURL string

	// Model is the model requests are bound to.
	Model string

	// Timeout is the HTTP client timeout for non-streaming calls. Defaults to 30s.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list endpoint path used by health checks.
	// Defaults to "/v1/models".
	ModelsEndpoint string

	// ExtraHeaders are added to every request on top of the Bearer auth header.
	ExtraHeaders map[string]string
}

// Provider implements llm.Provider over the OpenAI-compatible HTTP protocol.
type Provider struct {
	cfg    Config
	client *http.Client
	// streamClient has no overall timeout: a dialog stream legitimately
	// outlives any fixed deadline. Cancellation comes from the request ctx.
	streamClient *http.Client
	logger       *zap.Logger
}

// New creates an OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.SecureHTTPClient(0),
		logger:       logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

// Close releases idle HTTP connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	p.streamClient.CloseIdleConnections()
	return nil
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) model(req *llm.ChatRequest) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

// HealthCheck verifies the provider is reachable via the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		return fmt.Errorf("%s health check failed: status=%d msg=%s", p.cfg.ProviderName, resp.StatusCode, msg)
	}
	return nil
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := chatRequest{
		Model:       p.model(req),
		Messages:    toWireMessages(req.System, req.Messages),
		Tools:       toWireTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := p.post(ctx, p.client, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return nil, mapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrBadResponse, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	return toChatResponse(wire, p.Name()), nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	body := chatRequest{
		Model:         p.model(req),
		Messages:      toWireMessages(req.System, req.Messages),
		Tools:         toWireTools(req.Tools),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	resp, err := p.post(ctx, p.streamClient, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		return nil, mapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return decodeSSE(ctx, resp.Body, p.Name(), p.logger), nil
}

func (p *Provider) post(ctx context.Context, client *http.Client, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	return resp, nil
}
