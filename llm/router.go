package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm/circuitbreaker"
)

const instrumentationName = "voicegw/llm"

// ConfigSource 是热更新配置的最小读取接口，由 internal/configstore 实现。
// 返回 (数据, 是否存在, 错误)。
type ConfigSource interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// ProviderFactory 按配置条目构造 Provider。apiKey 已经从进程环境解析好，
// 条目本身永远不携带密钥。
type ProviderFactory func(entry ProviderEntry, apiKey string, logger *zap.Logger) (Provider, error)

// RouterConfig 路由器行为配置。
type RouterConfig struct {
	// StoreKey 热更新存储中路由配置的键。
	StoreKey string

	// PollInterval 后台轮询热更新配置的间隔，0 表示不轮询。
	PollInterval time.Duration

	// CompletionTimeout 单次同步请求的超时。
	CompletionTimeout time.Duration

	// FirstEventTimeout 流式请求等待首个事件的超时。
	// 首事件之后的流不再设总超时，由上游和调用方 ctx 控制。
	FirstEventTimeout time.Duration

	// Breaker 每个 Provider 的熔断参数，nil 使用默认值。
	Breaker *circuitbreaker.Config
}

// DefaultRouterConfig 返回默认路由器配置。
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		StoreKey:          "voicegw:llm:routing",
		PollInterval:      30 * time.Second,
		CompletionTimeout: 60 * time.Second,
		FirstEventTimeout: 15 * time.Second,
	}
}

// Router 按任务把请求路由到 Provider 链上，带故障转移与按 Provider 熔断。
//
// providers 与 breakers 是两张按 Provider key 对齐的平面映射。
// 熔断器跨配置重载保留：热更新不应清掉已经积累的失败统计。
type Router struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	defaults *RoutingConfig
	store    ConfigSource
	factory  ProviderFactory
	cfg      RouterConfig

	mu        sync.RWMutex
	routing   *RoutingConfig
	providers map[string]Provider
	breakers  map[string]*circuitbreaker.Breaker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter 构造路由器并完成首次配置装配。
// defaults 为 nil 时使用 DefaultRoutingConfig；store 为 nil 时只用默认配置。
func NewRouter(ctx context.Context, defaults *RoutingConfig, store ConfigSource, factory ProviderFactory, cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		return nil, NewError(ErrInvalidConfig, "路由器缺少 ProviderFactory")
	}
	if defaults == nil {
		defaults = DefaultRoutingConfig()
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if cfg.StoreKey == "" {
		cfg.StoreKey = DefaultRouterConfig().StoreKey
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 60 * time.Second
	}
	if cfg.FirstEventTimeout <= 0 {
		cfg.FirstEventTimeout = 15 * time.Second
	}

	r := &Router{
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		defaults:  defaults,
		store:     store,
		factory:   factory,
		cfg:       cfg,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*circuitbreaker.Breaker),
		stopCh:    make(chan struct{}),
	}

	if err := r.Reload(ctx); err != nil {
		return nil, err
	}

	if cfg.PollInterval > 0 {
		r.wg.Add(1)
		go r.pollLoop()
	}
	return r, nil
}

// Reload 重新读取热更新配置并装配 Provider 集合。
// 存储不可用或配置块不合法时保留当前配置，只记日志，不中断服务。
func (r *Router) Reload(ctx context.Context) error {
	override := r.fetchOverride(ctx)
	merged := MergeRoutingConfig(r.defaults, override)
	if err := merged.Validate(); err != nil {
		r.mu.RLock()
		hasCurrent := r.routing != nil
		r.mu.RUnlock()
		if hasCurrent {
			r.logger.Error("热更新路由配置不合法，沿用当前配置", zap.Error(err))
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Provider, len(merged.Providers))
	var stale []Provider

	for _, entry := range merged.Providers {
		if !entry.Enabled {
			continue
		}
		// 条目完全未变时复用现有 Provider 连接
		if old, ok := r.providers[entry.Key]; ok {
			if cur, found := currentEntry(r.routing, entry.Key); found && cur == entry {
				next[entry.Key] = old
				continue
			}
			stale = append(stale, old)
		}

		// 密钥只在这里解析。本地端点可以不配 APIKeyEnvVar。
		var apiKey string
		if entry.APIKeyEnvVar != "" {
			apiKey = os.Getenv(entry.APIKeyEnvVar)
			if apiKey == "" {
				r.logger.Warn("Provider 缺少 API 密钥，跳过装配",
					zap.String("provider", entry.Key),
					zap.String("env_var", entry.APIKeyEnvVar),
				)
				continue
			}
		}
		p, err := r.factory(entry, apiKey, r.logger)
		if err != nil {
			r.logger.Error("Provider 构造失败，跳过装配",
				zap.String("provider", entry.Key),
				zap.Error(err),
			)
			continue
		}
		next[entry.Key] = p
	}

	// 被移除或停用的 Provider 关闭连接；存活节点的熔断器原样保留。
	for key, old := range r.providers {
		if _, keep := next[key]; !keep {
			stale = append(stale, old)
			delete(r.breakers, key)
		}
	}
	for key := range next {
		if _, ok := r.breakers[key]; !ok {
			r.breakers[key] = r.newBreaker(key)
		}
	}

	r.routing = merged
	r.providers = next

	for _, p := range stale {
		if err := p.Close(); err != nil {
			r.logger.Warn("关闭旧 Provider 失败", zap.Error(err))
		}
	}
	r.logger.Info("路由配置装配完成",
		zap.Int("providers", len(next)),
		zap.Int("routes", len(merged.Routes)),
	)
	return nil
}

func (r *Router) fetchOverride(ctx context.Context) *RoutingConfig {
	if r.store == nil {
		return nil
	}
	data, ok, err := r.store.Get(ctx, r.cfg.StoreKey)
	if err != nil {
		r.logger.Warn("读取热更新路由配置失败，使用当前配置", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	override, err := ParseRoutingConfig(data)
	if err != nil {
		r.logger.Error("热更新路由配置解析失败，忽略该配置块", zap.Error(err))
		return nil
	}
	return override
}

func currentEntry(cfg *RoutingConfig, key string) (ProviderEntry, bool) {
	if cfg == nil {
		return ProviderEntry{}, false
	}
	return cfg.Entry(key)
}

func (r *Router) newBreaker(key string) *circuitbreaker.Breaker {
	bc := r.cfg.Breaker
	if bc == nil {
		bc = circuitbreaker.DefaultConfig()
	}
	cfg := *bc
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		r.logger.Warn("Provider 熔断器状态变更",
			zap.String("provider", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		observeBreakerState(key, to)
	}
	return circuitbreaker.New(&cfg, r.logger.With(zap.String("provider", key)))
}

// ResolveChain 解析任务的路由链：Primary 在前，Fallbacks 依次在后，
// 只保留已装配的 Provider。未知任务回退到 "default" 路由。
// override 非空时不走任务路由，返回单元素链；该 Provider 未装配则
// 返回 ErrProviderNotFound。
func (r *Router) ResolveChain(task, override string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if override != "" {
		if _, ok := r.providers[override]; !ok {
			return nil, &Error{
				Code:    ErrProviderNotFound,
				Message: fmt.Sprintf("指定的 Provider %q 未装配", override),
			}
		}
		return []string{override}, nil
	}

	route, ok := r.routing.Routes[task]
	if !ok {
		route, ok = r.routing.Routes[DefaultRouteKey]
	}
	if !ok {
		return nil, &Error{
			Code:    ErrProviderNotFound,
			Message: fmt.Sprintf("任务 %q 没有路由，也没有 %q 路由可回退", task, DefaultRouteKey),
		}
	}

	seen := make(map[string]bool)
	chain := make([]string, 0, 1+len(route.Fallbacks))
	for _, key := range route.Chain() {
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := r.providers[key]; ok {
			chain = append(chain, key)
		}
	}
	if len(chain) == 0 {
		return nil, &Error{
			Code:      ErrNoProvidersAvailable,
			Message:   fmt.Sprintf("任务 %q 的路由链上没有可用 Provider", task),
			Retryable: true,
		}
	}
	return chain, nil
}

func (r *Router) pick(key string) (Provider, *circuitbreaker.Breaker) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[key], r.breakers[key]
}

// Completion 沿路由链同步调用，熔断拒绝的节点直接跳过，失败则转移到
// 下一个节点。整条链耗尽时返回 ErrAllProvidersFailed 并携带最后一个错误。
func (r *Router) Completion(ctx context.Context, task string, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := r.tracer.Start(ctx, "llm.router.completion",
		trace.WithAttributes(attribute.String("llm.task", task)),
	)
	defer span.End()

	chain, err := r.ResolveChain(task, requestOverride(req))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, key := range chain {
		p, br := r.pick(key)
		if p == nil || br == nil {
			continue
		}
		if err := br.Allow(); err != nil {
			observeRequest(key, "rejected", 0)
			lastErr = &Error{Code: ErrCircuitOpen, Message: fmt.Sprintf("provider %q 熔断中", key), Retryable: true, Provider: key, Cause: err}
			r.logger.Debug("熔断器拒绝调用", zap.String("provider", key), zap.String("task", task))
			continue
		}
		if i > 0 {
			observeFallback(task, chain[i-1], key)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.completionTimeout(req))
		start := time.Now()
		resp, err := p.Completion(callCtx, req)
		latency := time.Since(start)
		cancel()

		if err == nil {
			br.RecordSuccess()
			observeRequest(key, "success", latency)
			span.SetAttributes(attribute.String("llm.provider", key))
			return resp, nil
		}

		if shouldTrip(err) {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
		observeRequest(key, "error", latency)
		lastErr = err
		r.logger.Warn("Provider 调用失败，尝试故障转移",
			zap.String("task", task),
			zap.String("provider", key),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}

	return nil, &Error{
		Code:      ErrAllProvidersFailed,
		Message:   fmt.Sprintf("任务 %q 路由链上所有 Provider 均失败", task),
		Retryable: true,
		Cause:     lastErr,
	}
}

// Stream 沿路由链发起流式调用。
//
// 故障转移只发生在首个事件送达消费方之前：一旦有事件流出，语音可能已经
// 在播放，换一个 Provider 重新生成只会让坐席重复说话。因此首事件之后的
// 失败以 StreamDone{StopReason: "error"} 的形式顺流而下，不再转移。
func (r *Router) Stream(ctx context.Context, task string, req *ChatRequest) (<-chan StreamEvent, error) {
	ctx, span := r.tracer.Start(ctx, "llm.router.stream",
		trace.WithAttributes(attribute.String("llm.task", task)),
	)
	defer span.End()

	chain, err := r.ResolveChain(task, requestOverride(req))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, key := range chain {
		p, br := r.pick(key)
		if p == nil || br == nil {
			continue
		}
		if err := br.Allow(); err != nil {
			observeRequest(key, "rejected", 0)
			lastErr = &Error{Code: ErrCircuitOpen, Message: fmt.Sprintf("provider %q 熔断中", key), Retryable: true, Provider: key, Cause: err}
			continue
		}
		if i > 0 {
			observeFallback(task, chain[i-1], key)
		}

		start := time.Now()
		upstream, err := p.Stream(ctx, req)
		if err == nil {
			var first StreamEvent
			first, err = r.awaitFirstEvent(ctx, upstream)
			if err == nil {
				br.RecordSuccess()
				observeRequest(key, "success", time.Since(start))
				span.SetAttributes(attribute.String("llm.provider", key))
				return r.forward(ctx, first, upstream), nil
			}
		}

		if shouldTrip(err) {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
		observeRequest(key, "error", time.Since(start))
		lastErr = err
		r.logger.Warn("流式调用未产出首个事件，尝试故障转移",
			zap.String("task", task),
			zap.String("provider", key),
			zap.Error(err),
		)
	}

	return nil, &Error{
		Code:      ErrAllProvidersFailed,
		Message:   fmt.Sprintf("任务 %q 路由链上所有 Provider 均失败", task),
		Retryable: true,
		Cause:     lastErr,
	}
}

// awaitFirstEvent 等待流的首个事件。流在产出任何事件前关闭、
// 首个事件就是错误终止、或等待超时，都按该 Provider 失败处理。
func (r *Router) awaitFirstEvent(ctx context.Context, upstream <-chan StreamEvent) (StreamEvent, error) {
	timer := time.NewTimer(r.cfg.FirstEventTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &Error{Code: ErrUpstreamTimeout, Message: "等待流式首事件超时", Retryable: true}
	case ev, ok := <-upstream:
		if !ok {
			return nil, &Error{Code: ErrBadResponse, Message: "流在产出事件前关闭", Retryable: true}
		}
		if done, isDone := ev.(StreamDone); isDone && done.StopReason == StopError {
			return nil, &Error{Code: ErrUpstreamError, Message: "流以错误终止且未产出内容", Retryable: true}
		}
		return ev, nil
	}
}

// forward 把已经提交的流转发给消费方。
func (r *Router) forward(ctx context.Context, first StreamEvent, upstream <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, 4)
	go func() {
		defer close(out)
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for ev := range upstream {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Router) completionTimeout(req *ChatRequest) time.Duration {
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	return r.cfg.CompletionTimeout
}

func requestOverride(req *ChatRequest) string {
	if req == nil {
		return ""
	}
	return req.Provider
}

// shouldTrip 判断错误是否计入熔断。客户端类错误（4xx，408/429 除外）
// 与调用方主动取消不计入。
func shouldTrip(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		if le.HTTPStatus >= 400 && le.HTTPStatus < 500 &&
			le.HTTPStatus != 408 && le.HTTPStatus != 429 {
			return false
		}
	}
	return true
}

// Health 对所有已装配的 Provider 逐个探活，返回按 key 的错误表，
// nil 值表示健康。
func (r *Router) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	keys := make([]string, 0, len(r.providers))
	for key := range r.providers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	result := make(map[string]error, len(keys))
	for _, key := range keys {
		p, _ := r.pick(key)
		if p == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result[key] = p.HealthCheck(checkCtx)
		cancel()
	}
	return result
}

// ProviderKeys 返回当前已装配的 Provider key 列表。
func (r *Router) ProviderKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.providers))
	for key := range r.providers {
		keys = append(keys, key)
	}
	return keys
}

func (r *Router) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("后台重载路由配置失败", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close 停止后台轮询并关闭所有 Provider。
func (r *Router) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.providers, key)
		delete(r.breakers, key)
	}
	return firstErr
}
