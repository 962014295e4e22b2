package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/branchchat/internal/wire"
)

func strp(s string) *string { return &s }

// fakeServer serves the conversation snapshot and scripted generations.
type fakeServer struct {
	mu       sync.Mutex
	detail   wire.ConversationDetail
	requests []wire.GenerateRequest
	generate func(w http.ResponseWriter, r *http.Request, call int)
	stops    chan string
}

func newFakeServer(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	if fs.stops == nil {
		fs.stops = make(chan string, 4)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		detail := fs.detail
		fs.mu.Unlock()
		writeJSON(w, http.StatusOK, 0, "ok", detail)
	})
	mux.HandleFunc("POST /chat/stop", func(w http.ResponseWriter, r *http.Request) {
		var req wire.StopRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fs.stops <- req.ConversationID
		writeJSON(w, http.StatusOK, 0, "ok", map[string]bool{"stopped": true})
	})
	mux.HandleFunc("POST /chat/generate", func(w http.ResponseWriter, r *http.Request) {
		var req wire.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, 10001, "invalid json", nil)
			return
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, req)
		call := len(fs.requests)
		fs.mu.Unlock()
		fs.generate(w, r, call)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, nil)
}

func (fs *fakeServer) lastRequest() wire.GenerateRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func writeJSON(w http.ResponseWriter, status, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "data": data})
}

// sse writes events in small pieces so frames straddle reads.
func sse(w http.ResponseWriter, events ...wire.Event) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}
	f := w.(http.Flusher)
	for _, e := range events {
		b, _ := wire.EncodeFrame(e)
		for len(b) > 0 {
			n := min(3, len(b))
			_, _ = w.Write(b[:n])
			f.Flush()
			b = b[n:]
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	names  []string
	tokens chan struct{}
}

func newEventLog() *eventLog { return &eventLog{tokens: make(chan struct{}, 16)} }

func (l *eventLog) observe(e wire.Event) {
	l.mu.Lock()
	l.names = append(l.names, e.EventName())
	l.mu.Unlock()
	if _, ok := e.(wire.Token); ok {
		l.tokens <- struct{}{}
	}
}

func (l *eventLog) waitToken(t *testing.T) {
	t.Helper()
	select {
	case <-l.tokens:
	case <-time.After(5 * time.Second):
		t.Fatal("no token arrived")
	}
}

func TestSend_AppliesStream(t *testing.T) {
	fs := &fakeServer{generate: func(w http.ResponseWriter, r *http.Request, call int) {
		sse(w,
			wire.Start{ConversationID: "c1", MessageID: "a1", ParentID: strp("u1"), Role: wire.RoleAssistant, Model: "m"},
			wire.Token{Token: "Hel"},
			wire.Token{Token: "lo"},
			wire.Finish{FinishReason: "stop"},
			wire.StructuredData{Data: json.RawMessage(`{"rows":[]}`)},
			wire.Title{Title: "Greeting"},
			wire.End{Status: wire.EndComplete},
		)
	}}
	api := newFakeServer(t, fs)
	log := newEventLog()
	m := NewModel(api, "c1", log.observe, nil)

	require.NoError(t, m.Send(context.Background(), "Hello", SendOptions{Model: "m"}))
	require.Equal(t, []string{"start", "token", "token", "finish", "structured_data", "title", "end"}, log.names)

	req := fs.lastRequest()
	require.Equal(t, "Hello", req.UserMessage)
	require.Equal(t, "m", req.Model)
	require.False(t, req.IsEditedPrompt)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	require.Equal(t, wire.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[0].Content)
	require.Equal(t, "a1", msgs[1].ID)
	require.Equal(t, "Hello", msgs[1].Content)
	require.Equal(t, wire.StatusComplete, msgs[1].Status)
	require.Equal(t, "stop", *msgs[1].FinishReason)
	require.JSONEq(t, `{"rows":[]}`, string(msgs[1].StructuredData))
	require.Equal(t, "Greeting", m.Title())

	streaming, _ := m.Streaming()
	require.False(t, streaming)
	_, ok := m.Message("u1")
	require.True(t, ok)

	turns := m.Turns()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Versions, 1)
	require.Len(t, turns[0].Versions[0].Answers, 1)
}

func TestSend_ErrorBeforeStartDropsLocalMessage(t *testing.T) {
	fs := &fakeServer{generate: func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 1 {
			sse(w, wire.Error{Message: "missing credential"})
			return
		}
		writeJSON(w, http.StatusBadRequest, 10001, "invalid json", nil)
	}}
	m := NewModel(newFakeServer(t, fs), "c1", nil, nil)

	err := m.Send(context.Background(), "Hello", SendOptions{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, "missing credential", genErr.Message)
	require.Empty(t, m.Messages())

	err = m.Send(context.Background(), "Hello", SendOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	require.Equal(t, 10001, apiErr.Code)
	require.Empty(t, m.Messages())
}

func TestEditAndRegenerate(t *testing.T) {
	fs := &fakeServer{detail: wire.ConversationDetail{
		Conversation: wire.Conversation{ID: "c1", Title: "Hello"},
		Messages: []wire.Message{
			{ID: "u1", Role: wire.RoleUser, Content: "Hello", Status: wire.StatusComplete},
			{ID: "a1", Role: wire.RoleAssistant, Content: "Hi", Status: wire.StatusComplete, ParentID: strp("u1")},
		},
	}}
	fs.generate = func(w http.ResponseWriter, r *http.Request, call int) {
		switch call {
		case 1:
			sse(w,
				wire.Start{ConversationID: "c1", MessageID: "a1b", ParentID: strp("u1"), Role: wire.RoleAssistant},
				wire.Token{Token: "Hey"},
				wire.End{Status: wire.EndComplete},
			)
		default:
			sse(w,
				wire.Start{ConversationID: "c1", MessageID: "a2", ParentID: strp("u2"), Role: wire.RoleAssistant},
				wire.Token{Token: "Hi again"},
				wire.End{Status: wire.EndComplete},
			)
		}
	}
	m := NewModel(newFakeServer(t, fs), "c1", nil, nil)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))
	require.Equal(t, "Hello", m.Title())

	require.NoError(t, m.Regenerate(ctx, "u1"))
	req := fs.lastRequest()
	require.True(t, req.IsRegeneration)
	require.Equal(t, "u1", req.ParentUserMessageID)
	require.Equal(t, 1, req.VariantIndex)
	a1b, ok := m.Message("a1b")
	require.True(t, ok)
	require.Equal(t, 1, a1b.VariantIndex)

	require.NoError(t, m.Edit(ctx, "u1", "Hello there"))
	req = fs.lastRequest()
	require.True(t, req.IsEditedPrompt)
	require.Equal(t, "u1", req.UserMessageParentID)

	u2, ok := m.Message("u2")
	require.True(t, ok)
	require.Equal(t, "u1", *u2.ParentID)
	require.Equal(t, "Hello there", u2.Content)

	turns := m.Turns()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Versions, 2)
	require.Len(t, turns[0].Versions[0].Answers, 2)

	ids := func(path []wire.Message) []string {
		var out []string
		for _, p := range path {
			out = append(out, p.ID)
		}
		return out
	}
	require.Equal(t, []string{"u2", "a2"}, ids(m.ActivePath(Cursors{})))
	require.Equal(t, []string{"u1", "a1b"}, ids(m.ActivePath(Cursors{Version: map[string]int{"u1": 0}})))
	require.Equal(t, []string{"u1", "a1"}, ids(m.ActivePath(Cursors{
		Version: map[string]int{"u1": 0},
		Variant: map[string]int{"u1": 0},
	})))

	require.Error(t, m.Edit(ctx, "a1", "nope"))
	require.Error(t, m.Regenerate(ctx, "missing"))
}

func TestStop_DeliversInterrupted(t *testing.T) {
	fs := &fakeServer{}
	fs.generate = func(w http.ResponseWriter, r *http.Request, call int) {
		sse(w,
			wire.Start{ConversationID: "c1", MessageID: "a1", ParentID: strp("u1"), Role: wire.RoleAssistant},
			wire.Token{Token: "par"},
		)
		select {
		case <-fs.stops:
		case <-r.Context().Done():
			return
		}
		sse(w, wire.End{Status: wire.EndInterrupted})
	}
	log := newEventLog()
	m := NewModel(newFakeServer(t, fs), "c1", log.observe, nil)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "Hello", SendOptions{}) }()
	log.waitToken(t)

	streaming, id := m.Streaming()
	require.True(t, streaming)
	require.Equal(t, "a1", id)
	require.NoError(t, m.Stop(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return")
	}
	a1, _ := m.Message("a1")
	require.Equal(t, wire.StatusInterrupted, a1.Status)
	require.Equal(t, wire.ReasonUserCancelled, *a1.FinishReason)
	require.Equal(t, "par", a1.Content)
}

func TestSend_AbortsPriorGeneration(t *testing.T) {
	fs := &fakeServer{}
	fs.generate = func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 1 {
			sse(w,
				wire.Start{ConversationID: "c1", MessageID: "a1", ParentID: strp("u1"), Role: wire.RoleAssistant},
				wire.Token{Token: "first"},
			)
			<-r.Context().Done()
			return
		}
		sse(w,
			wire.Start{ConversationID: "c1", MessageID: "a2", ParentID: strp("u2"), Role: wire.RoleAssistant},
			wire.Token{Token: "second"},
			wire.End{Status: wire.EndComplete},
		)
	}
	log := newEventLog()
	m := NewModel(newFakeServer(t, fs), "c1", log.observe, nil)

	first := make(chan error, 1)
	go func() { first <- m.Send(context.Background(), "one", SendOptions{}) }()
	log.waitToken(t)

	require.NoError(t, m.Send(context.Background(), "two", SendOptions{}))
	select {
	case err := <-first:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first send did not return")
	}

	a1, _ := m.Message("a1")
	require.Equal(t, wire.StatusInterrupted, a1.Status)
	require.Equal(t, "first", a1.Content)
	a2, _ := m.Message("a2")
	require.Equal(t, wire.StatusComplete, a2.Status)

	u2, _ := m.Message("u2")
	require.Equal(t, "a1", *u2.ParentID)
	streaming, _ := m.Streaming()
	require.False(t, streaming)
}

func TestLoad_KeepsInFlightProgress(t *testing.T) {
	fs := &fakeServer{}
	release := make(chan struct{})
	fs.generate = func(w http.ResponseWriter, r *http.Request, call int) {
		sse(w,
			wire.Start{ConversationID: "c1", MessageID: "a1", ParentID: strp("u1"), Role: wire.RoleAssistant},
			wire.Token{Token: "Hello"},
			wire.Token{Token: " wor"},
		)
		<-release
		sse(w, wire.Token{Token: "ld"}, wire.End{Status: wire.EndComplete})
	}
	fs.detail = wire.ConversationDetail{
		Conversation: wire.Conversation{ID: "c1", Title: "Hello"},
		Messages: []wire.Message{
			{ID: "u1", Role: wire.RoleUser, Content: "Hi", Status: wire.StatusComplete},
			{ID: "a1", Role: wire.RoleAssistant, Content: "Hello", Status: wire.StatusStreaming, ParentID: strp("u1")},
		},
	}
	log := newEventLog()
	m := NewModel(newFakeServer(t, fs), "c1", log.observe, nil)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "Hi", SendOptions{}) }()
	log.waitToken(t)
	log.waitToken(t)

	require.NoError(t, m.Load(context.Background()))
	a1, _ := m.Message("a1")
	require.Equal(t, "Hello wor", a1.Content)
	require.Equal(t, wire.StatusStreaming, a1.Status)
	require.Len(t, m.Messages(), 2)

	close(release)
	require.NoError(t, <-done)
	a1, _ = m.Message("a1")
	require.Equal(t, "Hello world", a1.Content)
	require.Equal(t, wire.StatusComplete, a1.Status)
}

func TestLoad_BeforeStartKeepsIDsUnique(t *testing.T) {
	stored := make(chan struct{})
	loaded := make(chan struct{})
	fs := &fakeServer{}
	fs.generate = func(w http.ResponseWriter, r *http.Request, call int) {
		fs.mu.Lock()
		fs.detail = wire.ConversationDetail{
			Conversation: wire.Conversation{ID: "c1", Title: "Hi"},
			Messages:     []wire.Message{{ID: "u1", Role: wire.RoleUser, Content: "Hi", Status: wire.StatusComplete}},
		}
		fs.mu.Unlock()
		close(stored)
		<-loaded
		sse(w,
			wire.Start{ConversationID: "c1", MessageID: "a1", ParentID: strp("u1"), Role: wire.RoleAssistant},
			wire.Token{Token: "Hello"},
			wire.End{Status: wire.EndComplete},
		)
	}
	m := NewModel(newFakeServer(t, fs), "c1", nil, nil)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "Hi", SendOptions{}) }()
	select {
	case <-stored:
	case <-time.After(5 * time.Second):
		t.Fatal("server never stored the prompt")
	}
	require.NoError(t, m.Load(context.Background()))
	close(loaded)
	require.NoError(t, <-done)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	require.Equal(t, "a1", msgs[1].ID)
	u1, ok := m.Message("u1")
	require.True(t, ok)
	require.Equal(t, wire.RoleUser, u1.Role)
	a1, _ := m.Message("a1")
	require.Equal(t, wire.StatusComplete, a1.Status)
	require.Len(t, m.Turns(), 1)
}

func TestMergeMessage_OrderIndependent(t *testing.T) {
	cases := []struct{ a, b wire.Message }{
		{wire.Message{ID: "x", Content: "Hello", Status: wire.StatusStreaming}, wire.Message{ID: "x", Content: "Hello world", Status: wire.StatusComplete}},
		{wire.Message{ID: "x", Content: "abc", Status: wire.StatusComplete}, wire.Message{ID: "x", Content: "abd", Status: wire.StatusComplete}},
		{wire.Message{ID: "x", Content: "", Status: wire.StatusStreaming}, wire.Message{ID: "x", Content: "", Status: wire.StatusStreaming}},
	}
	for _, tc := range cases {
		ab, ba := mergeMessage(tc.a, tc.b), mergeMessage(tc.b, tc.a)
		require.Equal(t, ab.Content, ba.Content)
		require.Equal(t, ab.Status, ba.Status)
	}

	got := mergeMessage(cases[0].b, cases[0].a)
	require.Equal(t, "Hello world", got.Content)
	require.Equal(t, wire.StatusStreaming, got.Status)

	merged := mergeSnapshot(
		[]wire.Message{{ID: "u1"}},
		[]wire.Message{{ID: "a1", Status: wire.StatusStreaming}},
	)
	require.Len(t, merged, 2)
	require.Equal(t, "a1", merged[1].ID)
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, 40400, "conversation not found", nil)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).GetConversation(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 40400, apiErr.Code)
	require.Equal(t, "conversation not found", apiErr.Message)
}
