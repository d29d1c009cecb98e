package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	crew "github.com/nevindra/crew"
)

func TestChat(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	p := New("test-key", "test-model", srv.URL)
	resp, err := p.Chat(context.Background(), crew.ChatRequest{
		Messages: []crew.ChatMessage{crew.UserMessage("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), crew.ChatRequest{})
	var httpErr *crew.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *crew.ErrHTTP", err)
	}
	if httpErr.Status != 429 {
		t.Errorf("status = %d", httpErr.Status)
	}
	if httpErr.Body != "rate limited" {
		t.Errorf("body = %q", httpErr.Body)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v", httpErr.RetryAfter)
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: not json` + "\n\n")) // malformed chunks are skipped
		w.Write([]byte(`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	ch := make(chan string, 16)
	resp, err := p.ChatStream(context.Background(), crew.ChatRequest{
		Messages: []crew.ChatMessage{crew.UserMessage("hi")},
	}, ch)
	if err != nil {
		t.Fatal(err)
	}
	close(ch)

	var deltas []string
	for d := range ch {
		deltas = append(deltas, d)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatStreamDoesNotCloseChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	ch := make(chan string, 1)
	if _, err := p.ChatStream(context.Background(), crew.ChatRequest{}, ch); err != nil {
		t.Fatal(err)
	}
	// Sending after return must not panic: the provider leaves ch open.
	ch <- "still open"
}

func TestChatStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	ch := make(chan string, 1)
	_, err := p.ChatStream(context.Background(), crew.ChatRequest{}, ch)
	var httpErr *crew.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *crew.ErrHTTP", err)
	}
	if httpErr.Status != 503 {
		t.Errorf("status = %d", httpErr.Status)
	}
}

func TestParseRetryAfterForms(t *testing.T) {
	if got := crew.ParseRetryAfter("60"); got != 60*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := crew.ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := crew.ParseRetryAfter("-5"); got != 0 {
		t.Errorf("negative = %v", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := crew.ParseRetryAfter(future); got <= 0 || got > 31*time.Second {
		t.Errorf("date form = %v", got)
	}
}
