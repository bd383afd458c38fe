package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/svv2602/call-center-sub001/llm"
)

// ScriptProvider 是脚本化的 llm.Provider：每次 Stream 按顺序消耗一条
// 预先编排的事件脚本，并记录收到的请求。脚本耗尽后再调用是错误，
// 让测试里的多余轮次立刻暴露。
type ScriptProvider struct {
	mu        sync.Mutex
	name      string
	scripts   [][]llm.StreamEvent
	requests  []*llm.ChatRequest
	healthErr error
	streamErr error
	closed    bool
}

var _ llm.Provider = (*ScriptProvider)(nil)

// NewScriptProvider 创建空脚本的 Provider，用 Script 追加轮次。
func NewScriptProvider(name string) *ScriptProvider {
	return &ScriptProvider{name: name}
}

// Script 追加一条流脚本，返回自身便于链式编排。
func (p *ScriptProvider) Script(events ...llm.StreamEvent) *ScriptProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, events)
	return p
}

// FailHealth 让后续 HealthCheck 返回 err。
func (p *ScriptProvider) FailHealth(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// FailStream 让后续 Stream 在建流阶段直接失败。
func (p *ScriptProvider) FailStream(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
}

func (p *ScriptProvider) Name() string { return p.name }

func (p *ScriptProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *ScriptProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	events, err := p.nextScript(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// Completion 把下一条脚本折叠成一次完整响应。
func (p *ScriptProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	events, err := p.nextScript(req)
	if err != nil {
		return nil, err
	}

	resp := &llm.ChatResponse{Provider: p.name, StopReason: llm.StopEndTurn}
	var text strings.Builder
	argChunks := map[string]*strings.Builder{}
	for _, ev := range events {
		switch e := ev.(type) {
		case llm.TextDelta:
			text.WriteString(e.Text)
		case llm.ToolCallStart:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: e.ID, Name: e.Name})
			argChunks[e.ID] = &strings.Builder{}
		case llm.ToolCallDelta:
			if b, ok := argChunks[e.ID]; ok {
				b.WriteString(e.ArgumentsChunk)
			}
		case llm.StreamDone:
			resp.StopReason = e.StopReason
			resp.Usage = e.Usage
		}
	}
	resp.Text = text.String()
	for i := range resp.ToolCalls {
		raw := ""
		if b, ok := argChunks[resp.ToolCalls[i].ID]; ok {
			raw = b.String()
		}
		resp.ToolCalls[i].Arguments = llm.ParseToolArguments(raw)
	}
	return resp, nil
}

func (p *ScriptProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed 报告 Close 是否已被调用。
func (p *ScriptProvider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Requests 返回已记录请求的副本。
func (p *ScriptProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatRequest(nil), p.requests...)
}

func (p *ScriptProvider) nextScript(req *llm.ChatRequest) ([]llm.StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	if len(p.scripts) == 0 {
		return nil, fmt.Errorf("provider %s: script exhausted", p.name)
	}
	events := p.scripts[0]
	p.scripts = p.scripts[1:]
	return events, nil
}

// TextTurn 编排一条纯文本流脚本：逐段 TextDelta，end_turn 收尾。
func TextTurn(deltas ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(deltas)+1)
	for _, d := range deltas {
		events = append(events, llm.TextDelta{Text: d})
	}
	return append(events, llm.StreamDone{StopReason: llm.StopEndTurn})
}

// ToolTurn 编排一条带单个工具调用的流脚本：可选的前导文本、
// Start/Delta/End 三连、tool_use 收尾。
func ToolTurn(id, name string, args map[string]any, say ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(say)+4)
	for _, s := range say {
		events = append(events, llm.TextDelta{Text: s})
	}
	events = append(events,
		llm.ToolCallStart{ID: id, Name: name},
		llm.ToolCallDelta{ID: id, ArgumentsChunk: llm.MarshalToolArguments(args)},
		llm.ToolCallEnd{ID: id},
		llm.StreamDone{StopReason: llm.StopToolUse},
	)
	return events
}
