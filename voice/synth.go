package voice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// SynthesisEngine 由外部语音合成引擎实现。Synthesize 失败时返回错误。
type SynthesisEngine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SynthesizerConfig 控制合成级的行为。
type SynthesizerConfig struct {
	// Sequential 为 true 时关闭预取，逐句合成后再发射；任何合成失败
	// 都会中止整条流。默认（false）为单槽预取。
	Sequential bool
}

// Synthesizer 把句子流转换为音频流。
//
// 默认单槽预取：收到句子 N+1 时先启动它的合成，再等待并发射句子 N 的
// 结果，让合成延迟与下游送话的延迟重叠；发射顺序严格等于启动顺序，
// 同一通话永远不会有两句音频同时抵达下游。预取模式下单句合成失败记日志
// 并丢弃该句，流水线继续。
//
// 转发 ToolCallStart 或 StreamDone 前必须先冲洗在途的合成任务，保证
// 音频不会越过工具调用或流结束的边界。
type Synthesizer struct {
	engine SynthesisEngine
	seq    bool
	logger *zap.Logger
}

// NewSynthesizer 创建合成级。
func NewSynthesizer(engine SynthesisEngine, cfg SynthesizerConfig, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{engine: engine, seq: cfg.Sequential, logger: logger}
}

type synthOutcome struct {
	audio   []byte
	err     error
	elapsed time.Duration
}

type pendingSynth struct {
	text string
	done chan synthOutcome
}

// Run 消费切句级的输出直到 in 关闭。out 的关闭由流水线负责。
func (s *Synthesizer) Run(ctx context.Context, in <-chan Event, out chan<- Event) error {
	var pending *pendingSynth

	emit := func(ev Event) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
			return nil
		}
	}

	// flush 等待在途任务并发射其音频。预取模式下失败只丢该句。
	flush := func() error {
		if pending == nil {
			return nil
		}
		p := pending
		pending = nil

		var res synthOutcome
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-p.done:
		}
		observeSynthesis(res.elapsed, res.err == nil)
		if res.err != nil {
			if s.seq {
				return res.err
			}
			s.logger.Warn("语音合成失败，丢弃该句",
				zap.String("text", p.text),
				zap.Error(res.err))
			return nil
		}
		return emit(AudioReady{Text: p.text, Audio: res.audio})
	}

	for {
		var ev Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-in:
			if !ok {
				return flush()
			}
		}

		switch e := ev.(type) {
		case SentenceReady:
			if s.seq {
				start := time.Now()
				audio, err := s.engine.Synthesize(ctx, e.Text)
				observeSynthesis(time.Since(start), err == nil)
				if err != nil {
					return err
				}
				if err := emit(AudioReady{Text: e.Text, Audio: audio}); err != nil {
					return err
				}
				continue
			}
			// 先启动新句，再等待上一句：两句的合成窗口重叠。
			next := s.launch(ctx, e.Text)
			if err := flush(); err != nil {
				return err
			}
			pending = next

		case Forwarded:
			switch e.Event.(type) {
			case llm.ToolCallStart, llm.StreamDone:
				if err := flush(); err != nil {
					return err
				}
			}
			if err := emit(e); err != nil {
				return err
			}

		default:
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
}

// launch 在后台启动一句的合成。done 带一格缓冲，结果未被读取时
// goroutine 也能退出。
func (s *Synthesizer) launch(ctx context.Context, text string) *pendingSynth {
	p := &pendingSynth{text: text, done: make(chan synthOutcome, 1)}
	go func() {
		start := time.Now()
		audio, err := s.engine.Synthesize(ctx, text)
		p.done <- synthOutcome{audio: audio, err: err, elapsed: time.Since(start)}
	}()
	return p
}
