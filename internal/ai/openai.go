package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint,
// including OpenRouter.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
}

type OpenAIOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	// Extra headers sent with every request, e.g. OpenRouter's HTTP-Referer.
	Headers map[string]string
}

func NewOpenAIProvider(opts OpenAIOptions, model string) (*OpenAIProvider, error) {
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, pkgerrors.Wrapf(ErrNotConfigured, "%s: api key is required", name)
	}
	if strings.TrimSpace(model) == "" {
		return nil, pkgerrors.Errorf("%s: model is required", name)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if len(opts.Headers) > 0 {
		cfg.HTTPClient = &http.Client{Transport: headerTransport{headers: opts.Headers, base: http.DefaultTransport}}
	}

	return &OpenAIProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

// OpenAIFactory returns a ProviderFactory bound to opts.
func OpenAIFactory(opts OpenAIOptions) ProviderFactory {
	return func(_ context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(opts, model)
	}
}

// OpenRouterFactory sets the attribution headers OpenRouter asks for.
func OpenRouterFactory(baseURL, apiKey, siteURL, appName string) ProviderFactory {
	headers := map[string]string{}
	if siteURL != "" {
		headers["HTTP-Referer"] = siteURL
	}
	if appName != "" {
		headers["X-Title"] = appName
	}
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return OpenAIFactory(OpenAIOptions{Name: "openrouter", BaseURL: baseURL, APIKey: apiKey, Headers: headers})
}

func (p *OpenAIProvider) request(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "%s: chat completion", p.name)
	}
	if len(resp.Choices) == 0 {
		return "", pkgerrors.Errorf("%s: empty response", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
		if err != nil {
			errs <- pkgerrors.Wrapf(err, "%s: open stream", p.name)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- pkgerrors.Wrapf(err, "%s: stream recv", p.name)
				return
			}

			var chunk StreamChunk
			if len(resp.Choices) > 0 {
				chunk.Content = resp.Choices[0].Delta.Content
				chunk.FinishReason = string(resp.Choices[0].FinishReason)
			}
			if resp.Usage != nil {
				chunk.Usage = &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
				}
			}
			if chunk.Content == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- context.Cause(ctx)
				return
			}
		}
	}()

	return chunks, errs
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
