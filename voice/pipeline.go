package voice

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/svv2602/call-center-sub001/llm"
)

const instrumentationName = "voicegw/voice"

// DefaultChannelBuffer 是级间通道的默认缓冲。
const DefaultChannelBuffer = 4

// PipelineConfig 汇总三级流水线的配置。
type PipelineConfig struct {
	// MinClauseChars 见 SentenceBufferConfig。
	MinClauseChars int `yaml:"min_clause_chars" json:"min_clause_chars"`
	// Sequential 见 SynthesizerConfig。
	Sequential bool `yaml:"sequential" json:"sequential"`
	// ChannelBuffer 是级间通道的缓冲大小，0 取 DefaultChannelBuffer。
	ChannelBuffer int `yaml:"channel_buffer" json:"channel_buffer"`
}

// Pipeline 把 LLM 事件流变成打进电话线的语音：
// 切句级攒出完整句子，合成级预取音频，送话级处理插话与挂断。
// 三级跑在一个 errgroup 里，任何一级失败都会取消其余两级。
type Pipeline struct {
	buffer *SentenceBuffer
	synth  *Synthesizer
	sender *AudioSender
	buf    int
	tracer trace.Tracer
}

// NewPipeline 组装流水线。engine 与 conn 由调用方提供。
func NewPipeline(engine SynthesisEngine, conn Conn, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	buf := cfg.ChannelBuffer
	if buf <= 0 {
		buf = DefaultChannelBuffer
	}
	return &Pipeline{
		buffer: NewSentenceBuffer(SentenceBufferConfig{MinClauseChars: cfg.MinClauseChars}, logger),
		synth:  NewSynthesizer(engine, SynthesizerConfig{Sequential: cfg.Sequential}, logger),
		sender: NewAudioSender(conn, logger),
		buf:    buf,
		tracer: otel.Tracer(instrumentationName),
	}
}

// Run 驱动一条回复流直到说完或失败。events 由 LLM Provider 在
// StreamDone 后关闭。返回的 SendResult 在出错时也尽量带上已累积的
// 部分结果，调用方据此知道用户听到了多少。
func (p *Pipeline) Run(ctx context.Context, events <-chan llm.StreamEvent, bargeIn <-chan struct{}) (*SendResult, error) {
	ctx, span := p.tracer.Start(ctx, "voice.pipeline")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	sentences := make(chan Event, p.buf)
	audio := make(chan Event, p.buf)

	g.Go(func() error {
		defer close(sentences)
		return p.buffer.Run(gctx, events, sentences)
	})
	g.Go(func() error {
		defer close(audio)
		return p.synth.Run(gctx, sentences, audio)
	})

	var result *SendResult
	g.Go(func() error {
		r, err := p.sender.Run(gctx, audio, bargeIn)
		result = r
		return err
	})

	err := g.Wait()
	if result != nil {
		span.SetAttributes(
			attribute.String("voice.stop_reason", string(result.StopReason)),
			attribute.Bool("voice.interrupted", result.Interrupted),
		)
	}
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}
