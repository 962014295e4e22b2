package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAIStreamChat(t *testing.T) {
	var body map[string]any
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"1","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := OpenRouterFactory(srv.URL, "key", "https://example.test", "branchchat")(context.Background(), "openrouter/auto")
	require.NoError(t, err)

	chunks, errs := p.(StreamProvider).StreamChat(context.Background(), Request{
		Messages:  []Message{{Role: "user", Content: "hello"}},
		MaxTokens: 100,
	})
	var text, reason string
	var usage *Usage
	for c := range chunks {
		text += c.Content
		if c.FinishReason != "" {
			reason = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	require.NoError(t, <-errs)

	require.Equal(t, "Hi there", text)
	require.Equal(t, "stop", reason)
	require.Equal(t, &Usage{PromptTokens: 9, CompletionTokens: 2}, usage)
	require.Equal(t, "openrouter/auto", body["model"])
	require.Equal(t, true, body["stream"])
	require.Equal(t, "https://example.test", referer)
	require.Equal(t, "branchchat", title)
}
