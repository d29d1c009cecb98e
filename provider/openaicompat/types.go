// Package openaicompat provides a crew.Provider for any API that speaks
// the OpenAI chat completions protocol (OpenAI, OpenRouter, Groq,
// Together, DeepSeek, Ollama, vLLM, LM Studio, Azure OpenAI).
package openaicompat

// --- Request types ---

// chatBody is the OpenAI chat completions request body.
type chatBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Seed        *int      `json:"seed,omitempty"`
	// When streaming, request usage in the final chunk.
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// message is a single message in the OpenAI chat format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Response types ---

// chatCompletion is the OpenAI chat completions response; delta is
// populated for streaming chunks, message for complete responses.
type chatCompletion struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
