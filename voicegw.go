// Package voicegw 是把语音网关嵌入呼叫处理进程的顶层入口。
//
// 呼叫层持有电话通道（voice.Conn）与 TTS 引擎（voice.SynthesisEngine），
// 每通电话开一个 Call，每句识别结果跑一个轮次：
//
//	gw, err := voicegw.New(ctx, voicegw.WithConfig(cfg), voicegw.WithTools(reg))
//	defer gw.Close()
//
//	call := gw.NewCall(conn, engine, agent.CallerContext{
//		CallID: callID,
//		Phone:  callerPhone,
//	})
//	res, err := call.RunTurn(ctx, transcript, bargeIn)
//
// Call 内部维护对话历史，轮与轮之间不需要调用方搬运。
package voicegw

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/agent"
	"github.com/svv2602/call-center-sub001/agent/pii"
	"github.com/svv2602/call-center-sub001/config"
	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/llm/circuitbreaker"
	"github.com/svv2602/call-center-sub001/llm/factory"
	"github.com/svv2602/call-center-sub001/tools"
	"github.com/svv2602/call-center-sub001/voice"
)

// Option 配置 New 创建的网关。
type Option func(*options)

type options struct {
	cfg      *config.Config
	routing  *llm.RoutingConfig
	source   llm.ConfigSource
	registry *tools.Registry
	factory  llm.ProviderFactory
	logger   *zap.Logger
	noMask   bool
}

// WithConfig 使用完整进程配置。缺省为 config.DefaultConfig()。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRouting 直接指定静态路由配置，优先于 WithConfig 里的路由表。
func WithRouting(rc *llm.RoutingConfig) Option {
	return func(o *options) { o.routing = rc }
}

// WithConfigSource 接入热更新配置源（如 *configstore.Store）。
// 不设置则只用静态路由。
func WithConfigSource(src llm.ConfigSource) Option {
	return func(o *options) { o.source = src }
}

// WithTools 设置工具注册表。不设置则本网关的对话不带工具。
func WithTools(reg *tools.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithProviderFactory 替换 Provider 构造函数。缺省为 factory.NewProvider；
// 测试注入脚本化 Provider、接入自定义服务商时使用。
func WithProviderFactory(f llm.ProviderFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger 设置日志器，缺省为 zap.NewNop()。
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutPIIMasking 关闭 PII 遮蔽。只用于测试或离线调试，
// 生产通话不要关。
func WithoutPIIMasking() Option {
	return func(o *options) { o.noMask = true }
}

// Gateway 持有跨通话共享的组件：LLM 路由器与工具注册表。
// 每通电话用 NewCall 派生各自的流水线、对话循环与 PII 保管库。
type Gateway struct {
	router   *llm.Router
	registry *tools.Registry
	voiceCfg voice.PipelineConfig
	agentCfg agent.Config
	maskPII  bool
	logger   *zap.Logger
}

// New 装配网关。ctx 只约束首次路由配置装配，不约束网关生命周期。
func New(ctx context.Context, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	routing := o.routing
	if routing == nil && len(cfg.LLM.Routing.Providers) > 0 {
		routing = &cfg.LLM.Routing
	}

	providerFactory := o.factory
	if providerFactory == nil {
		providerFactory = factory.NewProvider
	}

	routerCfg := llm.RouterConfig{
		StoreKey:          cfg.LLM.StoreKey,
		PollInterval:      cfg.LLM.PollInterval,
		CompletionTimeout: cfg.LLM.CompletionTimeout,
		FirstEventTimeout: cfg.LLM.FirstEventTimeout,
		Breaker: &circuitbreaker.Config{
			Threshold:    cfg.LLM.BreakerThreshold,
			ResetTimeout: cfg.LLM.BreakerResetTimeout,
		},
	}
	router, err := llm.NewRouter(ctx, routing, o.source, providerFactory, routerCfg, o.logger)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		router:   router,
		registry: o.registry,
		voiceCfg: voice.PipelineConfig{
			MinClauseChars: cfg.Voice.MinClauseChars,
			Sequential:     cfg.Voice.Sequential,
			ChannelBuffer:  cfg.Voice.ChannelBuffer,
		},
		agentCfg: agent.Config{
			Task:          cfg.Agent.Task,
			SystemPrompt:  cfg.Agent.SystemPrompt,
			HistoryWindow: cfg.Agent.HistoryWindow,
			MaxToolRounds: cfg.Agent.MaxToolRounds,
		},
		maskPII: !o.noMask,
		logger:  o.logger,
	}, nil
}

// NewCall 为一通电话创建会话。conn 与 engine 属于这通电话，
// 跨电话不可复用返回的 Call。
func (g *Gateway) NewCall(conn voice.Conn, engine voice.SynthesisEngine, caller agent.CallerContext) *Call {
	var vault *pii.Vault
	if g.maskPII {
		vault = pii.NewVault()
	}

	// 接口值必须保持真 nil，裸 *tools.Registry 空指针会穿过 nil 判断
	var exec agent.ToolExecutor
	if g.registry != nil {
		exec = g.registry
	}

	logger := g.logger.With(zap.String("call_id", caller.CallID))
	pipeline := voice.NewPipeline(engine, conn, g.voiceCfg, logger)
	loop := agent.NewLoop(g.router, pipeline, exec, vault, g.agentCfg, logger)

	return &Call{loop: loop, caller: caller}
}

// Health 逐 Provider 探活，键是 Provider key，值为 nil 表示健康。
func (g *Gateway) Health(ctx context.Context) map[string]error {
	return g.router.Health(ctx)
}

// Close 停止路由器的后台轮询并关闭全部 Provider。
// 进行中的 Call 不会被强行打断，但之后的轮次会失败。
func (g *Gateway) Close() error {
	return g.router.Close()
}

// Caller 构造只含常用字段的来电上下文。需要 OrderStatus 或注入固定
// 时间时直接构造 agent.CallerContext。
func Caller(callID, phone, name string) agent.CallerContext {
	return agent.CallerContext{CallID: callID, Phone: phone, Name: name}
}

// Call 是一通电话的会话：对话循环加上跨轮次的历史。
// 同一通电话的轮次天然串行，互斥锁只防误用。
type Call struct {
	loop   *agent.Loop
	caller agent.CallerContext

	mu      sync.Mutex
	history []llm.Message
}

// RunTurn 执行一个对话轮次并把轮次产生的历史接到会话上。
// userText 是这句话的识别文本，bargeIn 由呼叫层在检测到用户插话时
// 关闭或写入，可以为 nil。
func (c *Call) RunTurn(ctx context.Context, userText string, bargeIn <-chan struct{}) (*agent.TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.loop.RunTurn(ctx, userText, c.history, c.caller, bargeIn)
	if res != nil {
		c.history = res.History
	}
	return res, err
}

// History 返回当前对话历史的副本。
func (c *Call) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// Caller 返回这通电话的来电上下文。
func (c *Call) Caller() agent.CallerContext {
	return c.caller
}
