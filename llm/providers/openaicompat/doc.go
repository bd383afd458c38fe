// Package openaicompat implements llm.Provider for every service that
// speaks the OpenAI chat/completions protocol.
//
// OpenAI, DeepSeek and most self-hosted gateways (vLLM, LiteLLM) share the
// same request shape, SSE framing and error envelope. One implementation
// covers them all; the routing entry supplies what actually differs:
//
//   - base URL (defaults to api.openai.com)
//   - model name
//   - API key, resolved from the process environment by the router
//
// Streaming reads SSE lines off a bufio.Reader, accumulates tool-call
// argument fragments by index, and closes with a single StreamDone carrying
// stop reason and usage. HTTP transport uses the hardened TLS defaults from
// internal/tlsutil.
package openaicompat
