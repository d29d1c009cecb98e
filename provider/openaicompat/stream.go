package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	crew "github.com/nevindra/crew"
)

// streamSSE reads an SSE stream from body, sends content deltas to ch,
// and returns the fully accumulated response. ch stays open; the caller
// closes it once ChatStream returns.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (crew.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads exceed the default 64K buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var total crew.Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage arrives either alongside deltas or in a trailing
		// usage-only chunk.
		if chunk.Usage != nil {
			total.InputTokens = chunk.Usage.PromptTokens
			total.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		fullContent.WriteString(delta.Content)
		select {
		case ch <- delta.Content:
		case <-ctx.Done():
			return crew.ChatResponse{}, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return crew.ChatResponse{}, err
	}

	return crew.ChatResponse{Content: fullContent.String(), Usage: total}, nil
}
