// =============================================================================
// Anthropic Native Provider
// =============================================================================
// Talks to the Anthropic Messages API through the official SDK. The SDK owns
// transport, retries and SSE framing; this package translates between the
// unified chat types and the SDK's parameter/event unions.
// =============================================================================

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// MessagesClient is the slice of the SDK's message service this provider
// needs. The SDK client satisfies it directly; tests substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config holds the configuration for an Anthropic provider.
type Config struct {
	// ProviderName is the routing key for this provider (e.g. "anthropic-main").
	ProviderName string

	// APIKey authenticates against the Anthropic API. Resolved from the
	// process environment by the caller, never read from config stores.
	APIKey string

	// Model is the model requests are bound to (e.g. "claude-sonnet-4-5").
	Model string

	// MaxTokens is the default output budget when the request does not set
	// one. The Messages API requires a positive value. Defaults to 1024.
	MaxTokens int

	// BaseURL overrides the API endpoint, for proxies. Empty uses the SDK
	// default.
	BaseURL string
}

// Provider implements llm.Provider over the Anthropic Messages API.
type Provider struct {
	cfg    Config
	client MessagesClient
	logger *zap.Logger
}

// New creates an Anthropic provider backed by the official SDK client.
func New(cfg Config, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return NewWithClient(cfg, &ac.Messages, logger)
}

// NewWithClient creates a provider over an injected messages client.
func NewWithClient(cfg Config, mc MessagesClient, logger *zap.Logger) *Provider {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: mc,
		logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

// Close is a no-op; the SDK client carries no long-lived resources of ours.
func (p *Provider) Close() error { return nil }

// HealthCheck issues a one-token ping through the Messages API. There is no
// cheaper authenticated probe on this surface.
func (p *Provider) HealthCheck(ctx context.Context) error {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.cfg.Model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	}
	if _, err := p.client.New(ctx, params); err != nil {
		return mapSDKError(err, p.Name())
	}
	return nil
}

// Completion performs a non-streaming Messages request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.New(ctx, *params)
	if err != nil {
		return nil, mapSDKError(err, p.Name())
	}
	return p.toChatResponse(msg), nil
}

// Stream performs a streaming Messages request. The returned channel follows
// the unified event contract: exactly one StreamDone, then close.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, mapSDKError(err, p.Name())
	}
	return decodeStream(ctx, stream, p.Name(), p.logger), nil
}

func (p *Provider) buildParams(req *llm.ChatRequest) (*sdk.MessageNewParams, error) {
	model := p.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model == "" {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "anthropic: model is required",
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: err.Error(),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: err.Error(),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

// encodeMessages maps the unified history onto Messages API turns. Tool
// results travel as user-role tool_result blocks, and consecutive tool
// messages collapse into a single user turn because the API requires all
// results for one assistant turn in the next user message.
func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case llm.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				if tc.Name == "" {
					return nil, fmt.Errorf("anthropic: tool call %q missing name", tc.ID)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			blocks := []sdk.ContentBlockParamUnion{
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			}
			for i+1 < len(msgs) && msgs[i+1].Role == llm.RoleTool {
				i++
				blocks = append(blocks, sdk.NewToolResultBlock(msgs[i].ToolCallID, msgs[i].Content, false))
			}
			out = append(out, sdk.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(schemas []llm.ToolSchema) ([]sdk.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(schemas))
	for _, ts := range schemas {
		if ts.Name == "" {
			return nil, errors.New("anthropic: tool schema missing name")
		}
		schema, err := toolInputSchema(ts.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", ts.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, ts.Name)
		if u.OfTool != nil && ts.Description != "" {
			u.OfTool.Description = sdk.String(ts.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func (p *Provider) toChatResponse(msg *sdk.Message) *llm.ChatResponse {
	resp := &llm.ChatResponse{
		Provider: p.Name(),
		Model:    string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		StopReason: mapStopReason(string(msg.StopReason)),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: llm.ParseToolArguments(string(block.Input)),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

func mapStopReason(reason string) llm.StopReason {
	switch reason {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	default:
		// end_turn, stop_sequence and anything future-shaped read as a
		// normal end of turn.
		return llm.StopEndTurn
	}
}

// mapSDKError translates SDK failures into llm.Error with retry semantics
// matching the HTTP provider.
func mapSDKError(err error, provider string) *llm.Error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.StatusCode, err.Error(), provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{
			Code: llm.ErrUpstreamTimeout, Message: err.Error(),
			HTTPStatus: http.StatusGatewayTimeout, Retryable: true, Provider: provider,
			Cause: err,
		}
	}
	return &llm.Error{
		Code: llm.ErrUpstreamError, Message: err.Error(),
		HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: provider,
		Cause: err,
	}
}

func mapStatus(status int, msg string, provider string) *llm.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &llm.Error{
			Code: llm.ErrUnauthorized, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case status == http.StatusTooManyRequests:
		return &llm.Error{
			Code: llm.ErrRateLimited, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return &llm.Error{
			Code: llm.ErrInvalidRequest, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &llm.Error{
			Code: llm.ErrUpstreamTimeout, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	default:
		return &llm.Error{
			Code: llm.ErrUpstreamError, Message: msg,
			HTTPStatus: status, Retryable: status >= 500 || status == 529, Provider: provider,
		}
	}
}
