// Package voice 实现通话的流式语音流水线：把模型的 token 流切成句子，
// 句子送语音合成，音频按顺序送入线路，全程响应插话与挂断。
//
// 流水线分三级：SentenceBuffer → Synthesizer → AudioSender。级间通过
// Event 联合类型的通道衔接；模型的工具调用事件与 StreamDone 以
// Forwarded 原样透传，相对顺序不变。
package voice

import "github.com/svv2602/call-center-sub001/llm"

// Event 是流水线级间的事件联合类型。
type Event interface {
	isVoiceEvent()
}

// SentenceReady 携带一个可直接送 TTS 的文本块。
type SentenceReady struct {
	Text string
}

// AudioReady 携带一段合成完毕的音频及其对应文本。
type AudioReady struct {
	Text  string
	Audio []byte
}

// Forwarded 透传下游仍需观察的模型事件：工具调用三元组与 StreamDone。
type Forwarded struct {
	Event llm.StreamEvent
}

func (SentenceReady) isVoiceEvent() {}
func (AudioReady) isVoiceEvent()    {}
func (Forwarded) isVoiceEvent()     {}
