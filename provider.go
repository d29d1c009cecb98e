package crew

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams tokens into ch, then returns the final response
	// with usage stats. The provider does not close ch.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai-compatible").
	Name() string
}
