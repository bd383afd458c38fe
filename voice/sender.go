package voice

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// Conn 抽象一条电话语音通道。SendAudio 阻塞到整块音频播完、cancel
// 触发（返回 cutShort=true）或通道出错；IsClosed 报告对端是否已挂断。
type Conn interface {
	SendAudio(ctx context.Context, audio []byte, cancel <-chan struct{}) (cutShort bool, err error)
	IsClosed() bool
}

// SendResult 汇总一次回复流的送话结果，供对话层决定下一步。
type SendResult struct {
	// SpokenText 是实际送达用户的文本，句子间以空格连接。
	// 被打断截断的句子按已说出计入，被整句丢弃的不计入。
	SpokenText string
	// ToolCalls 是本条流请求的全部工具调用，按宣告顺序排列。
	// 打断与挂断都不影响收集：模型已经决定调用，丢了就接不回对话。
	ToolCalls  []llm.ToolCall
	StopReason llm.StopReason
	Usage      llm.Usage
	// Interrupted 表示用户在播放期间插话。一旦置位不再清除，
	// 后续音频全部丢弃。
	Interrupted bool
	// Disconnected 表示通道已关闭或发送失败。同样粘滞。
	Disconnected bool
}

// AudioSender 是流水线的末级：把音频块写入电话通道，同时从转发的
// 工具事件里收集完整的工具调用。
type AudioSender struct {
	conn   Conn
	logger *zap.Logger
}

// NewAudioSender 创建送话级。
func NewAudioSender(conn Conn, logger *zap.Logger) *AudioSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioSender{conn: conn, logger: logger}
}

type toolAccum struct {
	name  string
	frags []string
}

// Run 消费合成级的输出直到 in 关闭。每块音频发送前先查插话再查挂断；
// ctx 取消时返回已累积的部分结果。in 在 StreamDone 之前就关闭时
// StopReason 保持 StopError。
func (a *AudioSender) Run(ctx context.Context, in <-chan Event, bargeIn <-chan struct{}) (*SendResult, error) {
	res := &SendResult{StopReason: llm.StopError}
	var spoken []string
	accums := map[string]*toolAccum{}
	var order []string

	finish := func() *SendResult {
		res.SpokenText = strings.Join(spoken, " ")
		return res
	}

	for {
		var ev Event
		var ok bool
		select {
		case <-ctx.Done():
			return finish(), ctx.Err()
		case ev, ok = <-in:
			if !ok {
				return finish(), nil
			}
		}

		switch e := ev.(type) {
		case AudioReady:
			if !res.Interrupted {
				select {
				case <-bargeIn:
					res.Interrupted = true
				default:
				}
			}
			switch {
			case res.Interrupted:
				observeAudioChunk("dropped_interrupted")
			case res.Disconnected || a.conn.IsClosed():
				res.Disconnected = true
				observeAudioChunk("dropped_disconnected")
			default:
				cutShort, err := a.conn.SendAudio(ctx, e.Audio, bargeIn)
				switch {
				case err != nil:
					res.Disconnected = true
					a.logger.Warn("音频发送失败，通道按挂断处理", zap.Error(err))
					observeAudioChunk("dropped_disconnected")
				case cutShort:
					// 用户听到了前半句，文本仍计入已说出。
					res.Interrupted = true
					spoken = append(spoken, e.Text)
					observeAudioChunk("cut_short")
				default:
					spoken = append(spoken, e.Text)
					observeAudioChunk("sent")
				}
			}

		case Forwarded:
			switch fe := e.Event.(type) {
			case llm.ToolCallStart:
				if _, seen := accums[fe.ID]; !seen {
					accums[fe.ID] = &toolAccum{name: fe.Name}
					order = append(order, fe.ID)
				}
			case llm.ToolCallDelta:
				if acc, seen := accums[fe.ID]; seen {
					acc.frags = append(acc.frags, fe.ArgumentsChunk)
				}
			case llm.ToolCallEnd:
				// 参数在 StreamDone 处统一定稿，此处无需动作。
			case llm.StreamDone:
				res.StopReason = fe.StopReason
				res.Usage = fe.Usage
				for _, id := range order {
					acc := accums[id]
					res.ToolCalls = append(res.ToolCalls, llm.ToolCall{
						ID:        id,
						Name:      acc.name,
						Arguments: llm.ParseToolArguments(strings.Join(acc.frags, "")),
					})
				}
				accums = map[string]*toolAccum{}
				order = nil
			}
		}
	}
}
