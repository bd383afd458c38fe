package llm

import "encoding/json"

// StreamEvent 是流式输出的事件联合类型。
//
// 事件顺序约束：对同一个工具调用 ID，ToolCallStart 先于其所有
// ToolCallDelta，ToolCallDelta 先于可选的 ToolCallEnd；每条流以且仅以
// 一个 StreamDone 结束。部分上游不发送 ToolCallEnd，因此消费方必须在
// StreamDone 处把尚未关闭的工具调用视为完成。
type StreamEvent interface {
	isStreamEvent()
}

// TextDelta 携带一段增量文本。
type TextDelta struct {
	Text string
}

// ToolCallStart 宣告一个工具调用开始。
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCallDelta 携带该调用参数 JSON 的一个片段。
type ToolCallDelta struct {
	ID             string
	ArgumentsChunk string
}

// ToolCallEnd 宣告该调用的参数已经发送完毕。上游可能省略此事件。
type ToolCallEnd struct {
	ID string
}

// StreamDone 是流的终止事件，携带停止原因与本次请求的用量。
type StreamDone struct {
	StopReason StopReason
	Usage      Usage
}

func (TextDelta) isStreamEvent()     {}
func (ToolCallStart) isStreamEvent() {}
func (ToolCallDelta) isStreamEvent() {}
func (ToolCallEnd) isStreamEvent()   {}
func (StreamDone) isStreamEvent()    {}

// StopReason 表示模型停止生成的原因。
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"   // 正常结束
	StopToolUse   StopReason = "tool_use"   // 请求执行工具
	StopMaxTokens StopReason = "max_tokens" // 达到输出上限
	StopError     StopReason = "error"      // 流中途失败
)

// Usage 记录一次请求的 token 用量，多轮累加。
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add 累加另一份用量。
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolCall 是一次完整的工具调用请求。Arguments 永远非 nil：
// 参数 JSON 不合法时退化为空 map，由工具层报告参数错误，而不是让
// 整条流失败。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolArguments 宽容地解析工具参数 JSON。
// 空串、null、非对象或不合法的 JSON 一律返回空 map。
func ParseToolArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}

// MarshalToolArguments 把参数 map 编码回 JSON，nil 与空 map 编码为 "{}"。
func MarshalToolArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// SynthesizeStream 把一次非流式响应合成为事件流：
// 全文作为单个 TextDelta，每个工具调用展开为 Start/Delta/End 三连，
// 最后发 StreamDone 并关闭通道。供不具备真流式能力的 Provider 复用。
func SynthesizeStream(resp *ChatResponse) <-chan StreamEvent {
	n := 2 + 3*len(resp.ToolCalls)
	ch := make(chan StreamEvent, n)
	if resp.Text != "" {
		ch <- TextDelta{Text: resp.Text}
	}
	for _, tc := range resp.ToolCalls {
		ch <- ToolCallStart{ID: tc.ID, Name: tc.Name}
		ch <- ToolCallDelta{ID: tc.ID, ArgumentsChunk: MarshalToolArguments(tc.Arguments)}
		ch <- ToolCallEnd{ID: tc.ID}
	}
	ch <- StreamDone{StopReason: resp.StopReason, Usage: resp.Usage}
	close(ch)
	return ch
}
