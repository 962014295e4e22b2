package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/suPer8Hu/branchchat/internal/wire"
)

// APIError is a non-2xx response carrying the server's envelope.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the chat HTTP API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New returns a client for baseURL. The http.Client must not set a total
// timeout; generation streams stay open for as long as the answer takes.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) CreateConversation(ctx context.Context, req wire.CreateConversationRequest) (*wire.ConversationDetail, error) {
	var out wire.ConversationDetail
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*wire.ConversationDetail, error) {
	var out wire.ConversationDetail
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]wire.Conversation, error) {
	var out struct {
		Conversations []wire.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Stop asks the server to cancel the conversation's live generation. It
// reports whether a generation was running on the server that took the call.
func (c *Client) Stop(ctx context.Context, conversationID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/stop", wire.StopRequest{ConversationID: conversationID}, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// Generate opens a generation and calls onEvent for every frame in order.
// It returns after the terminal frame, or with an error if the stream breaks
// before one arrives.
func (c *Client) Generate(ctx context.Context, req wire.GenerateRequest, onEvent func(wire.Event)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "generate")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return decodeError(resp)
	}

	fr := wire.NewFrameReader(resp.Body)
	for {
		e, err := fr.NextEvent()
		if err == io.EOF {
			return errors.New("generate: stream closed without a terminal event")
		}
		if err != nil {
			return errors.Wrap(err, "generate")
		}
		onEvent(e)
		if wire.Terminal(e) {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	if env.Code != 0 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var env envelope
	if err := json.Unmarshal(b, &env); err == nil && env.Message != "" {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(b))}
}
