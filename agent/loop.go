package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/agent/pii"
	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/voice"
)

const (
	// DefaultTask 是对话轮次默认的路由任务名。
	DefaultTask = "dialog"
	// DefaultHistoryWindow 是发给模型的历史上限（条数）。
	DefaultHistoryWindow = 20
	// DefaultMaxToolRounds 是一轮对话里允许执行的工具调用上限。
	DefaultMaxToolRounds = 4
)

// StopMaxToolRounds 表示轮次因工具调用达到上限而结束。
// 这是轮次级的停止原因，模型本身并没有停。
const StopMaxToolRounds = llm.StopReason("max_tool_rounds")

// StreamRouter 是对话循环需要的路由器能力子集。*llm.Router 实现它。
type StreamRouter interface {
	Stream(ctx context.Context, task string, req *llm.ChatRequest) (<-chan llm.StreamEvent, error)
}

// VoicePipeline 把模型事件流播成语音。*voice.Pipeline 实现它。
type VoicePipeline interface {
	Run(ctx context.Context, events <-chan llm.StreamEvent, bargeIn <-chan struct{}) (*voice.SendResult, error)
}

// ToolExecutor 提供工具 schema 与执行入口。*tools.Registry 实现它。
type ToolExecutor interface {
	Schemas() []llm.ToolSchema
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// Config 控制对话循环的行为。零值字段取各自默认。
type Config struct {
	Task          string `yaml:"task" json:"task"`
	SystemPrompt  string `yaml:"system_prompt" json:"system_prompt"`
	HistoryWindow int    `yaml:"history_window" json:"history_window"`
	MaxToolRounds int    `yaml:"max_tool_rounds" json:"max_tool_rounds"`
}

// TurnResult 汇总一个对话轮次的结果。
type TurnResult struct {
	TurnID     string
	SpokenText string
	StopReason llm.StopReason
	// History 是追加了本轮用户/助手/工具消息后的完整历史，
	// 供调用方带入下一轮。
	History       []llm.Message
	Usage         llm.Usage
	Interrupted   bool
	Disconnected  bool
	ToolCallsMade int
}

// Loop 是一通电话的对话轮次状态机：遮蔽用户输入、裁剪历史、流式调用
// 路由器、把事件流交给语音流水线、执行模型请求的工具，必要时进入下一
// 个工具回合。每通电话一个实例，不可跨电话复用（Vault 绑定通话）。
type Loop struct {
	router   StreamRouter
	pipeline VoicePipeline
	tools    ToolExecutor
	vault    *pii.Vault
	cfg      Config
	logger   *zap.Logger
}

// NewLoop 创建对话循环。vault 传 nil 关闭 PII 遮蔽，tools 传 nil 表示
// 本通电话不提供工具。
func NewLoop(router StreamRouter, pipeline VoicePipeline, tools ToolExecutor, vault *pii.Vault, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Task == "" {
		cfg.Task = DefaultTask
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxToolRounds == 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	return &Loop{
		router:   router,
		pipeline: pipeline,
		tools:    tools,
		vault:    vault,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunTurn 执行一个完整轮次。流水线层面的失败让本轮以
// StopReason "error" 结束并返回错误，但电话本身仍然存活，调用方可以
// 开启下一轮。上游流中途死亡（StreamDone 带 error）同样终止本轮，
// 但不返回错误：失败已在 Provider 层记过日志。
func (l *Loop) RunTurn(ctx context.Context, userText string, history []llm.Message, caller CallerContext, bargeIn <-chan struct{}) (*TurnResult, error) {
	turnID := uuid.New().String()
	logger := l.logger.With(
		zap.String("call_id", caller.CallID),
		zap.String("turn_id", turnID),
	)

	masked := userText
	if l.vault != nil {
		masked = l.vault.Mask(userText)
	}

	// 不改写调用方持有的切片。
	history = append(append([]llm.Message(nil), history...), llm.Message{
		Role:    llm.RoleUser,
		Content: masked,
	})
	history = trimHistory(history, l.cfg.HistoryWindow)

	req := &llm.ChatRequest{
		TraceID:  turnID,
		System:   buildSystemPrompt(l.cfg.SystemPrompt, caller, l.vault),
		Messages: history,
	}
	if l.tools != nil {
		req.Tools = l.tools.Schemas()
	}

	res := &TurnResult{TurnID: turnID, StopReason: llm.StopError}
	var spoken []string

	finish := func() *TurnResult {
		res.SpokenText = strings.Join(spoken, " ")
		res.History = history
		return res
	}

	for {
		events, err := l.router.Stream(ctx, l.cfg.Task, req)
		if err != nil {
			logger.Error("流式请求失败", zap.Error(err))
			return finish(), fmt.Errorf("llm stream: %w", err)
		}

		sendRes, perr := l.pipeline.Run(ctx, events, bargeIn)
		if sendRes != nil {
			res.Usage.Add(sendRes.Usage)
			if sendRes.SpokenText != "" {
				spoken = append(spoken, sendRes.SpokenText)
			}
			res.Interrupted = res.Interrupted || sendRes.Interrupted
			res.Disconnected = res.Disconnected || sendRes.Disconnected
		}
		if perr != nil {
			logger.Error("语音流水线失败，本轮终止", zap.Error(perr))
			return finish(), fmt.Errorf("voice pipeline: %w", perr)
		}

		// 流错误、插话、挂断都意味着本轮不再执行工具。这三种情况下
		// 助手消息只带文本：没有应答的 tool_use 块会让下一轮的请求在
		// Provider 编码层被拒。
		executing := sendRes.StopReason != llm.StopError &&
			!sendRes.Interrupted && !sendRes.Disconnected &&
			len(sendRes.ToolCalls) > 0

		msg := llm.Message{Role: llm.RoleAssistant, Content: sendRes.SpokenText}
		if executing {
			msg.ToolCalls = sendRes.ToolCalls
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			history = append(history, msg)
		}

		if sendRes.StopReason == llm.StopError {
			logger.Warn("上游流中途失败，本轮终止")
			return finish(), nil
		}
		if !executing {
			res.StopReason = sendRes.StopReason
			return finish(), nil
		}

		for _, tc := range sendRes.ToolCalls {
			content := l.executeTool(ctx, logger, tc)
			history = append(history, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    content,
			})
			res.ToolCallsMade++
		}
		if res.ToolCallsMade >= l.cfg.MaxToolRounds {
			logger.Warn("工具回合达到上限，停止循环",
				zap.Int("tool_calls", res.ToolCallsMade),
				zap.Int("limit", l.cfg.MaxToolRounds),
			)
			res.StopReason = StopMaxToolRounds
			return finish(), nil
		}

		req.Messages = history
	}
}

// executeTool 还原参数里的 PII、执行工具、把结果字符串化并重新遮蔽。
// 工具失败不终止轮次，错误以 JSON 形式写进工具结果让模型自行应对。
func (l *Loop) executeTool(ctx context.Context, logger *zap.Logger, tc llm.ToolCall) string {
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if l.vault != nil {
		args = l.vault.RestoreInArgs(args)
	}

	var (
		out any
		err error
	)
	if l.tools == nil {
		err = fmt.Errorf("tool %q is not available", tc.Name)
	} else {
		out, err = l.tools.Execute(ctx, tc.Name, args)
	}

	var content string
	if err != nil {
		logger.Warn("工具执行失败", zap.String("tool", tc.Name), zap.Error(err))
		content = toolErrorJSON(err)
	} else {
		content = stringifyToolResult(out)
	}
	if l.vault != nil {
		content = l.vault.Mask(content)
	}
	return content
}

// trimHistory 把历史裁剪到 max 条：保留第一条，再接最近的 max-1 条。
// 裁剪起点落在工具结果上时继续前移，避免留下没有对应调用的 tool 消息。
func trimHistory(h []llm.Message, max int) []llm.Message {
	if max <= 0 || len(h) <= max {
		return h
	}
	start := len(h) - (max - 1)
	for start < len(h) && h[start].Role == llm.RoleTool {
		start++
	}
	out := make([]llm.Message, 0, 1+len(h)-start)
	out = append(out, h[0])
	out = append(out, h[start:]...)
	return out
}

func stringifyToolResult(out any) string {
	switch v := out.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func toolErrorJSON(err error) string {
	data, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(data)
}
