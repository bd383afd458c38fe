// Package tools 提供呼叫中心工具的注册与执行。
//
// Registry 持有工具名到处理函数的映射，负责参数透传、单工具超时
// 与单工具限流。执行失败以 error 返回，由对话循环转成工具结果
// 消息回传给模型，不会中断整通电话。
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/svv2602/call-center-sub001/llm"
)

// DefaultTimeout 是单次工具执行的默认超时。
const DefaultTimeout = 10 * time.Second

// Handler 是工具处理函数。args 已由上层还原过脱敏占位符。
// 返回值会被序列化为 JSON 写入对话历史。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Option 配置单个工具的执行参数。
type Option func(*entry)

// WithTimeout 覆盖该工具的执行超时。非正值忽略。
func WithTimeout(d time.Duration) Option {
	return func(e *entry) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRateLimit 为该工具设置令牌桶限流。rps 为每秒补充速率，
// burst 为桶容量。超限的调用立即失败，不排队等待。
func WithRateLimit(rps float64, burst int) Option {
	return func(e *entry) {
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type entry struct {
	schema  llm.ToolSchema
	handler Handler
	timeout time.Duration
	limiter *rate.Limiter
}

// Registry 是线程安全的工具注册表，实现 agent.ToolExecutor。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	names   []string // 注册顺序，Schemas 按此输出
	logger  *zap.Logger
}

// NewRegistry 创建空的注册表。logger 为 nil 时使用 zap.NewNop()。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register 注册一个工具。schema.Name 为空时取 name；两者都给出
// 且不一致时报错。重复注册同名工具报错。
func (r *Registry) Register(name string, schema llm.ToolSchema, handler Handler, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	if schema.Name == "" {
		schema.Name = name
	}
	if schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", schema.Name, name)
	}

	e := &entry{
		schema:  schema,
		handler: handler,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.entries[name] = e
	r.names = append(r.names, name)

	r.logger.Info("工具已注册",
		zap.String("tool", name),
		zap.Duration("timeout", e.timeout),
		zap.Bool("rate_limited", e.limiter != nil))
	return nil
}

// Has 报告工具是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Schemas 按注册顺序返回全部工具的 schema，供拼装模型请求。
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.names))
	for _, name := range r.names {
		schemas = append(schemas, r.entries[name].schema)
	}
	return schemas
}

// Execute 执行指定工具并返回结果。
//
// 失败路径全部以 error 返回：未注册的工具、触发限流、执行超时、
// 处理函数自身报错。调用方决定如何把 error 呈现给模型。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if e.limiter != nil && !e.limiter.Allow() {
		r.logger.Warn("工具触发限流", zap.String("tool", name))
		return nil, fmt.Errorf("tool %q rate limit exceeded", name)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	// 带缓冲，超时后 goroutine 仍能写入并退出
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		res, err := e.handler(execCtx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			r.logger.Warn("工具执行失败",
				zap.String("tool", name),
				zap.Duration("elapsed", elapsed),
				zap.Error(out.err))
			return nil, out.err
		}
		r.logger.Debug("工具执行完成",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed))
		return out.res, nil

	case <-execCtx.Done():
		r.logger.Warn("工具执行超时",
			zap.String("tool", name),
			zap.Duration("timeout", e.timeout))
		return nil, fmt.Errorf("tool %q timed out after %s", name, e.timeout)
	}
}
