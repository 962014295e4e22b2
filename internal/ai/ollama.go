package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		// no global timeout; ctx bounds both sync and streamed calls
		Client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 90 * time.Second}},
	}
}

// OllamaFactory serves any model id from a single Ollama endpoint. The
// configured default model is used when the caller passes none.
func OllamaFactory(baseURL, defaultModel string) ProviderFactory {
	return func(_ context.Context, model string) (Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = defaultModel
		}
		return NewOllamaProvider(baseURL, model), nil
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (p *OllamaProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, pkgerrors.New("ollama: http client is nil")
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}
	body := ollamaChatReq{
		Model:    model,
		Stream:   stream,
		Messages: make([]ollamaMsg, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	if req.MaxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *OllamaProvider) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ollama: request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, pkgerrors.Errorf("ollama: %s", msg)
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", pkgerrors.Wrap(err, "ollama: decode response")
	}
	if decoded.Error != "" {
		return "", pkgerrors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks from Ollama's NDJSON stream.
func (p *OllamaProvider) StreamChat(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- pkgerrors.Wrap(err, "ollama: decode chunk")
				return
			}
			if decoded.Error != "" {
				errs <- pkgerrors.New(decoded.Error)
				return
			}

			chunk := StreamChunk{Content: decoded.Message.Content}
			if decoded.Done {
				chunk.FinishReason = decoded.DoneReason
				if chunk.FinishReason == "" {
					chunk.FinishReason = "stop"
				}
				chunk.Usage = &Usage{PromptTokens: decoded.PromptEvalCount, CompletionTokens: decoded.EvalCount}
			}
			if chunk.Content != "" || decoded.Done {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- context.Cause(ctx)
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- pkgerrors.Wrap(err, "ollama: read stream")
			return
		}
	}()

	return chunks, errs
}
