// Package anthropic implements llm.Provider on top of the official
// Anthropic SDK (Messages API).
//
// The SDK owns transport, retries and SSE framing; this package translates
// between the unified chat types and the SDK's parameter/event unions:
//
//   - system prompt moves from the request field into the API's system block
//   - tool schemas become tool_use declarations, tool results are wrapped
//     as user-role tool_result blocks
//   - stream events (content_block_delta, content_block_start/stop,
//     message_delta) are folded into the unified StreamEvent sequence,
//     with tool-call arguments accumulated across deltas
//
// Construction goes through llm/factory; tests substitute the MessagesClient
// interface for the real SDK client.
package anthropic
