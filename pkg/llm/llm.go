// Package llm defines the Provider interface the reference backend speaks to
// chat-completion APIs through.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance) behind a uniform streaming interface so the backend can
// swap models without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message is one turn of a conversation. Role is "system", "user" or
// "assistant".
type Message struct {
	Role    string
	Content string
}

// Request carries everything the model needs to produce a reply. Messages
// must be non-empty; the last message is typically the user turn that drives
// the response.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness. Zero means use the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means use the provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on a chunk that only
	// carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// when the stream failed after it was opened (Text then holds the error
	// message).
	FinishReason string
}

// Response is the full reply returned by Complete.
type Response struct {
	Content string
}

// Provider is the abstraction over any chat-completion backend.
//
// StreamCompletion errors before the channel opens are returned directly;
// failures after that are surfaced as a Chunk with FinishReason "error".
// Callers must drain the returned channel.
type Provider interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)
	Complete(ctx context.Context, req Request) (*Response, error)
}
