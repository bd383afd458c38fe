package testutil

import (
	"context"
	"sync"

	"github.com/svv2602/call-center-sub001/voice"
)

// SendOutcome 是 RecordConn 对一次 SendAudio 的预设结果。
type SendOutcome struct {
	CutShort bool
	Err      error
}

// RecordConn 是记录式的 voice.Conn：保存每段送出的音频，按脚本逐次
// 返回预设结果，脚本耗尽后一律成功。
type RecordConn struct {
	mu     sync.Mutex
	sent   []string
	closed bool
	script []SendOutcome
}

var _ voice.Conn = (*RecordConn)(nil)

// NewRecordConn 创建通道替身，outcomes 按发送次序消耗。
func NewRecordConn(outcomes ...SendOutcome) *RecordConn {
	return &RecordConn{script: outcomes}
}

func (c *RecordConn) SendAudio(ctx context.Context, audio []byte, cancel <-chan struct{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(audio))
	if len(c.script) == 0 {
		return false, nil
	}
	o := c.script[0]
	c.script = c.script[1:]
	return o.CutShort, o.Err
}

func (c *RecordConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetClosed 模拟对端挂断。
func (c *RecordConn) SetClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Sent 返回已送出音频（按文本形式）的副本。
func (c *RecordConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// EchoEngine 是 TTS 替身：把句子文本原样作为“音频”返回，
// failOn 命中的句子返回 err。
type EchoEngine struct {
	mu     sync.Mutex
	failOn string
	err    error
	texts  []string
}

var _ voice.SynthesisEngine = (*EchoEngine)(nil)

// NewEchoEngine 创建回声引擎。
func NewEchoEngine() *EchoEngine {
	return &EchoEngine{}
}

// FailOn 让 text 恰好等于 s 的那次合成返回 err。
func (e *EchoEngine) FailOn(s string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn = s
	e.err = err
}

func (e *EchoEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.failOn != "" && text == e.failOn {
		return nil, e.err
	}
	return []byte(text), nil
}

// Synthesized 返回已请求合成的句子副本。
func (e *EchoEngine) Synthesized() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}
