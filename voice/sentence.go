package voice

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// DefaultMinClauseChars 是触发从句切分的默认缓冲长度（按 rune 计）。
const DefaultMinClauseChars = 60

// SentenceBufferConfig 控制切句行为。
type SentenceBufferConfig struct {
	// MinClauseChars 缓冲达到该长度（rune 数）且没有完整句子时，
	// 在第一个从句标点处切分。0 表示沿用默认值，负数关闭从句切分。
	MinClauseChars int
}

// SentenceBuffer 把 token 级的文本增量流转换成可送 TTS 的句子块。
//
// 切分规则按优先级：
//  1. 句末标点（.!?，允许连续多个）后跟空白 → 切出完整句子；
//  2. 缓冲 ≥ MinClauseChars 且无句末边界 → 在第一个从句标点
//     （,;:）后跟空白处切分。
//
// ToolCallStart 与 StreamDone 会先冲洗缓冲余量再透传；其余工具事件
// 原样透传。纯函数式状态机，相同输入序列产出逐字节相同的输出。
type SentenceBuffer struct {
	minClause int
	logger    *zap.Logger
}

// NewSentenceBuffer 创建切句缓冲。
func NewSentenceBuffer(cfg SentenceBufferConfig, logger *zap.Logger) *SentenceBuffer {
	minClause := cfg.MinClauseChars
	if minClause == 0 {
		minClause = DefaultMinClauseChars
	}
	if minClause < 0 {
		minClause = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SentenceBuffer{minClause: minClause, logger: logger}
}

// Run 消费模型事件流直到 in 关闭。产出写入 out；out 的关闭由调用方
// （流水线）负责。
func (b *SentenceBuffer) Run(ctx context.Context, in <-chan llm.StreamEvent, out chan<- Event) error {
	var buf []rune

	emit := func(ev Event) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
			return nil
		}
	}

	flushRemainder := func() error {
		text := strings.TrimSpace(string(buf))
		buf = buf[:0]
		if text == "" {
			return nil
		}
		observeSentence()
		return emit(SentenceReady{Text: text})
	}

	for {
		var ev llm.StreamEvent
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-in:
			if !ok {
				// 上游异常断流时不丢已有文本。
				return flushRemainder()
			}
		}

		switch e := ev.(type) {
		case llm.TextDelta:
			buf = append(buf, []rune(e.Text)...)
			for {
				sentence, rest, found := cutSentence(buf, b.minClause)
				if !found {
					break
				}
				buf = rest
				observeSentence()
				if err := emit(SentenceReady{Text: sentence}); err != nil {
					return err
				}
			}

		case llm.ToolCallStart:
			if err := flushRemainder(); err != nil {
				return err
			}
			if err := emit(Forwarded{Event: ev}); err != nil {
				return err
			}

		case llm.StreamDone:
			if err := flushRemainder(); err != nil {
				return err
			}
			if err := emit(Forwarded{Event: ev}); err != nil {
				return err
			}

		default:
			// ToolCallDelta / ToolCallEnd 原样透传。
			if err := emit(Forwarded{Event: ev}); err != nil {
				return err
			}
		}
	}
}

// cutSentence 尝试从 buf 中切出一个块。优先找句末边界；找不到且缓冲
// 达到 minClause 时找从句边界。返回 (切出的文本, 剩余缓冲, 是否切出)。
func cutSentence(buf []rune, minClause int) (string, []rune, bool) {
	if cut := boundaryAfterRun(buf, isSentenceTerminal); cut > 0 {
		return splitAt(buf, cut)
	}
	if minClause > 0 && len(buf) >= minClause {
		if cut := boundaryAfterRun(buf, isClausePunct); cut > 0 {
			return splitAt(buf, cut)
		}
	}
	return "", buf, false
}

// boundaryAfterRun 返回第一个「标点连跑后跟空白」边界的切分位置
// （标点之后、空白之前），找不到返回 0。
func boundaryAfterRun(buf []rune, isPunct func(rune) bool) int {
	for i := 0; i < len(buf); i++ {
		if !isPunct(buf[i]) {
			continue
		}
		j := i
		for j < len(buf) && isPunct(buf[j]) {
			j++
		}
		if j < len(buf) && unicode.IsSpace(buf[j]) {
			return j
		}
		i = j
	}
	return 0
}

func splitAt(buf []rune, cut int) (string, []rune, bool) {
	text := strings.TrimSpace(string(buf[:cut]))
	rest := buf[cut:]
	for len(rest) > 0 && unicode.IsSpace(rest[0]) {
		rest = rest[1:]
	}
	// 把剩余部分拷出来，避免与已切出的底层数组纠缠。
	remainder := make([]rune, len(rest))
	copy(remainder, rest)
	return text, remainder, true
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClausePunct(r rune) bool {
	return r == ',' || r == ';' || r == ':'
}
