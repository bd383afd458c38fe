package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与路由降级策略。
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "LLM_INVALID_REQUEST"        // 参数/格式错误
	ErrUnauthorized         ErrorCode = "LLM_UNAUTHORIZED"           // 未授权或密钥失效
	ErrRateLimited          ErrorCode = "LLM_RATE_LIMITED"           // 上游或本地限流
	ErrUpstreamTimeout      ErrorCode = "LLM_UPSTREAM_TIMEOUT"       // 上游超时
	ErrUpstreamError        ErrorCode = "LLM_UPSTREAM_ERROR"         // 上游 5xx/网络错误
	ErrBadResponse          ErrorCode = "LLM_BAD_RESPONSE"           // 上游响应无法解析
	ErrCircuitOpen          ErrorCode = "LLM_CIRCUIT_OPEN"           // 熔断器拒绝调用
	ErrProviderNotFound     ErrorCode = "LLM_PROVIDER_NOT_FOUND"     // 任务没有可解析的路由
	ErrNoProvidersAvailable ErrorCode = "LLM_NO_PROVIDERS_AVAILABLE" // 路由链过滤后为空
	ErrAllProvidersFailed   ErrorCode = "LLM_ALL_PROVIDERS_FAILED"   // 整条链全部失败
	ErrInvalidConfig        ErrorCode = "LLM_INVALID_CONFIG"         // 路由配置不合法
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// Unwrap 暴露底层错误，ErrAllProvidersFailed 借此携带链上最后一个错误。
func (e *Error) Unwrap() error { return e.Cause }

// NewError 构造一个带错误码的 Error。
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsCode 判断 err 链上是否存在指定错误码。
func IsCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话历史中的一条记录。assistant 消息可以同时携带文本与
// 工具调用；tool 消息通过 ToolCallID 关联对应的调用。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type ChatRequest struct {
	TraceID string `json:"trace_id,omitempty"`

	// Provider 指定后跳过任务路由，把请求钉在该 Provider 上（不做故障
	// 转移，熔断照常生效）。空值按任务路由。
	Provider string `json:"provider,omitempty"`

	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []Message     `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

type ChatResponse struct {
	Provider   string     `json:"provider,omitempty"`
	Model      string     `json:"model,omitempty"`
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Provider 定义统一的模型接入接口，便于路由与熔断。
// 工具通过 ChatRequest.Tools 下发，模型返回的 ToolCalls 由上层的
// 工具执行器负责执行（见 tools 包）。
type Provider interface {
	// Completion 发起同步请求，返回完整响应。
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式请求。返回的通道携带 StreamEvent 序列并在
	// StreamDone 之后关闭。不具备真流式能力的实现可以用
	// SynthesizeStream 合成。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// HealthCheck 执行轻量级探活。
	HealthCheck(ctx context.Context) error

	// Name 返回 Provider 的唯一标识。
	Name() string

	// Close 释放底层连接资源。
	Close() error
}
