package anthropic

import (
	"context"
	"fmt"
	"sort"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// decodeStream pumps SDK stream events into the unified event stream. The
// Messages API correlates tool blocks by content index, so the decoder keeps
// an index-to-ID table the same way the SSE decoder for the HTTP protocol
// does.
//
// The channel always terminates with exactly one StreamDone and is closed
// after it. A transport error mid-stream becomes StreamDone with an "error"
// stop reason rather than a dropped channel.
func decodeStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], providerName string, logger *zap.Logger) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, 8)

	go func() {
		defer close(ch)
		defer stream.Close()

		dec := &eventDecoder{
			providerName: providerName,
			tools:        make(map[int64]string),
		}

		emit := func(ev llm.StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}

		for stream.Next() {
			for _, ev := range dec.consume(stream.Current()) {
				if !emit(ev) {
					return
				}
			}
			if dec.finished {
				return
			}
		}

		if err := stream.Err(); err != nil {
			logger.Warn("stream read failed", zap.Error(err))
			emit(llm.StreamDone{StopReason: llm.StopError, Usage: dec.usage})
			return
		}
		// Stream ended without message_stop: close out gracefully if the
		// model already reported a stop reason, otherwise surface an error
		// done.
		if dec.stop != "" {
			emit(dec.done())
		} else {
			emit(llm.StreamDone{StopReason: llm.StopError, Usage: dec.usage})
		}
	}()

	return ch
}

// eventDecoder accumulates per-stream state across Messages API events.
type eventDecoder struct {
	providerName string
	tools        map[int64]string // content index -> tool call ID
	usage        llm.Usage
	stop         string
	finished     bool
}

func (d *eventDecoder) consume(event sdk.MessageStreamEventUnion) []llm.StreamEvent {
	var events []llm.StreamEvent

	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		// message_start carries the input token count; output arrives with
		// the final message_delta.
		d.usage.InputTokens = int(ev.Message.Usage.InputTokens)

	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			id := tu.ID
			if id == "" {
				id = syntheticToolID(d.providerName, ev.Index)
			}
			d.tools[ev.Index] = id
			events = append(events, llm.ToolCallStart{ID: id, Name: tu.Name})
		}

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				events = append(events, llm.TextDelta{Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			if id, ok := d.tools[ev.Index]; ok && delta.PartialJSON != "" {
				events = append(events, llm.ToolCallDelta{ID: id, ArgumentsChunk: delta.PartialJSON})
			}
		}

	case sdk.ContentBlockStopEvent:
		if id, ok := d.tools[ev.Index]; ok {
			delete(d.tools, ev.Index)
			events = append(events, llm.ToolCallEnd{ID: id})
		}

	case sdk.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			d.stop = string(ev.Delta.StopReason)
		}
		if ev.Usage.InputTokens > 0 {
			d.usage.InputTokens = int(ev.Usage.InputTokens)
		}
		if ev.Usage.OutputTokens > 0 {
			d.usage.OutputTokens = int(ev.Usage.OutputTokens)
		}

	case sdk.MessageStopEvent:
		// Close any tool block the upstream never stopped explicitly.
		if len(d.tools) > 0 {
			idxs := make([]int64, 0, len(d.tools))
			for idx := range d.tools {
				idxs = append(idxs, idx)
			}
			sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
			for _, idx := range idxs {
				events = append(events, llm.ToolCallEnd{ID: d.tools[idx]})
				delete(d.tools, idx)
			}
		}
		events = append(events, d.done())
		d.finished = true
	}

	return events
}

func (d *eventDecoder) done() llm.StreamDone {
	return llm.StreamDone{
		StopReason: mapStopReason(d.stop),
		Usage:      d.usage,
	}
}

func syntheticToolID(provider string, idx int64) string {
	return fmt.Sprintf("%s-tool-%d", provider, idx)
}
