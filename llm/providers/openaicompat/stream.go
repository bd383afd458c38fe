package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// decodeSSE reads an OpenAI-compatible SSE body and emits the unified event
// stream. Tool-call fragments arrive keyed by index with the ID only on the
// first fragment, so the decoder keeps an index-to-ID table for correlation.
//
// The channel always terminates with exactly one StreamDone and is closed
// after it. A transport error mid-stream becomes StreamDone with an "error"
// stop reason rather than a dropped channel.
func decodeSSE(ctx context.Context, body io.ReadCloser, providerName string, logger *zap.Logger) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, 8)

	go func() {
		defer body.Close()
		defer close(ch)

		dec := &sseDecoder{
			providerName: providerName,
			byIndex:      make(map[int]string),
			started:      make(map[string]bool),
			ended:        make(map[string]bool),
		}

		emit := func(ev llm.StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Warn("stream read failed", zap.Error(err))
				}
				// Truncated stream: close out gracefully if the model already
				// reported a finish reason, otherwise surface an error done.
				if dec.finish != "" {
					emit(dec.done())
				} else {
					emit(llm.StreamDone{StopReason: llm.StopError, Usage: dec.usage})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				emit(dec.done())
				return
			}

			var wire chatResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				logger.Warn("stream chunk unmarshal failed", zap.Error(err))
				emit(llm.StreamDone{StopReason: llm.StopError, Usage: dec.usage})
				return
			}

			for _, ev := range dec.consume(wire) {
				if !emit(ev) {
					return
				}
			}
		}
	}()

	return ch
}

// sseDecoder accumulates per-stream state across SSE chunks.
type sseDecoder struct {
	providerName string
	byIndex      map[int]string
	order        []string
	started      map[string]bool
	ended        map[string]bool
	usage        llm.Usage
	finish       string
	sawToolCalls bool
}

func (d *sseDecoder) consume(wire chatResponse) []llm.StreamEvent {
	var events []llm.StreamEvent

	if wire.Usage != nil {
		d.usage = llm.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	if len(wire.Choices) == 0 {
		return events
	}
	choice := wire.Choices[0]

	if choice.Delta != nil {
		if choice.Delta.Content != "" {
			events = append(events, llm.TextDelta{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, d.consumeToolFragment(tc)...)
		}
	}

	if choice.FinishReason != "" {
		d.finish = choice.FinishReason
		if choice.FinishReason == "tool_calls" {
			// The protocol has no per-call end marker, the finish chunk
			// closes everything that is still open.
			for _, id := range d.order {
				if !d.ended[id] {
					d.ended[id] = true
					events = append(events, llm.ToolCallEnd{ID: id})
				}
			}
		}
	}
	return events
}

func (d *sseDecoder) consumeToolFragment(tc chatToolCall) []llm.StreamEvent {
	var events []llm.StreamEvent

	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	id, known := d.byIndex[idx]
	if !known {
		id = tc.ID
		if id == "" {
			// Some gateways omit IDs entirely, synthesize a stable one.
			id = fmt.Sprintf("%s-tool-%d", d.providerName, idx)
		}
		d.byIndex[idx] = id
	}
	if !d.started[id] {
		d.started[id] = true
		d.order = append(d.order, id)
		d.sawToolCalls = true
		events = append(events, llm.ToolCallStart{ID: id, Name: tc.Function.Name})
	}
	if tc.Function.Arguments != "" {
		events = append(events, llm.ToolCallDelta{ID: id, ArgumentsChunk: tc.Function.Arguments})
	}
	return events
}

func (d *sseDecoder) done() llm.StreamDone {
	return llm.StreamDone{
		StopReason: mapFinishReason(d.finish, d.sawToolCalls),
		Usage:      d.usage,
	}
}
