package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	crew "github.com/nevindra/crew"
)

// Provider implements crew.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures a Provider instance.
type Option func(*Provider)

// WithName sets the provider name returned by Name() (default
// "openai"). Use this to distinguish providers in logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or
// proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

var _ crew.Provider = (*Provider)(nil)

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req crew.ChatRequest) (crew.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req, false))
	if err != nil {
		return crew.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return crew.ChatResponse{}, p.httpErr(resp)
	}

	var completion chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return crew.ChatResponse{}, &crew.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	var out crew.ChatResponse
	if len(completion.Choices) > 0 && completion.Choices[0].Message != nil {
		out.Content = completion.Choices[0].Message.Content
	}
	if completion.Usage != nil {
		out.Usage = crew.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ChatStream streams content deltas into ch, then returns the final
// accumulated response. The caller owns ch and closes it after
// ChatStream returns.
func (p *Provider) ChatStream(ctx context.Context, req crew.ChatRequest, ch chan<- string) (crew.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req, true))
	if err != nil {
		return crew.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return crew.ChatResponse{}, p.httpErr(resp)
	}

	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) buildBody(req crew.ChatRequest, stream bool) chatBody {
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	body := chatBody{
		Model:     p.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

// sendHTTP marshals the body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &crew.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &crew.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// middleware. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &crew.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: crew.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
