package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/db"
	"github.com/suPer8Hu/branchchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

type stubProvider struct {
	// hang keeps the stream open after the first fragment
	hang bool
}

func (p *stubProvider) Chat(ctx context.Context, req ai.Request) (string, error) {
	return "Stub Title", nil
}

func (p *stubProvider) StreamChat(ctx context.Context, req ai.Request) (<-chan ai.StreamChunk, <-chan error) {
	chunks := make(chan ai.StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, f := range []string{"Hello", " world"} {
			if p.hang && i == 1 {
				<-ctx.Done()
				errs <- ctx.Err()
				return
			}
			select {
			case chunks <- ai.StreamChunk{Content: f}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		chunks <- ai.StreamChunk{FinishReason: "stop"}
	}()
	return chunks, errs
}

func newTestRouter(t *testing.T, p ai.Provider) *gin.Engine {
	t.Helper()
	return newTestRouterWith(t, func(ctx context.Context, model string) (ai.Provider, error) { return p, nil })
}

func newTestRouterWith(t *testing.T, factory ai.ProviderFactory) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_").Replace(t.Name())
	gdb, err := db.Open(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(chat.Models()...))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cat, err := config.ParseModelCatalog([]byte("default_provider: stub\nmodels:\n  - id: stub-model\n"))
	require.NoError(t, err)
	reg := ai.NewRegistry()
	reg.Register("stub", factory)

	svc := chat.NewService(chat.Deps{
		Store:     chat.NewRepo(gdb),
		Providers: reg,
		Catalog:   cat,
	}, chat.Options{DefaultModel: "stub-model"})

	h := handlers.NewHandler(svc, logger.Nop())
	h.Heartbeat = 10 * time.Millisecond
	return newRouter(config.Config{}, h, logger.Nop())
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func readEvents(t *testing.T, r io.Reader) []wire.Event {
	t.Helper()
	fr := wire.NewFrameReader(r)
	var out []wire.Event
	for {
		e, err := fr.NextEvent()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func eventNames(events []wire.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventName())
	}
	return out
}

func TestPingAndFallbacks(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	w, env := do(t, r, http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, env.Code)

	w, env = do(t, r, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, 40400, env.Code)

	w, env = do(t, r, http.MethodPut, "/ping", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, 40500, env.Code)
}

func TestConversationCRUD(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	w, env := do(t, r, http.MethodPost, "/conversations", `{"systemPrompt":"Be brief."}`)
	require.Equal(t, http.StatusOK, w.Code)
	var detail wire.ConversationDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Equal(t, chat.DefaultTitle, detail.Title)
	require.Len(t, detail.Messages, 1)
	require.Equal(t, wire.RoleSystem, detail.Messages[0].Role)

	_, env = do(t, r, http.MethodGet, "/conversations", "")
	var list struct {
		Conversations []wire.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Conversations, 1)

	w, env = do(t, r, http.MethodPatch, "/conversations/"+detail.ID, `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var conv wire.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	require.Equal(t, "Renamed", conv.Title)

	w, _ = do(t, r, http.MethodPatch, "/conversations/"+detail.ID, `{"model":" "}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodDelete, "/conversations/"+detail.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, http.MethodGet, "/conversations/"+detail.ID, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "conversation not found", env.Message)
}

func TestGenerate_StreamsFrames(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})
	_, env := do(t, r, http.MethodPost, "/conversations", "")
	var detail wire.ConversationDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))

	w, _ := do(t, r, http.MethodPost, "/chat/generate", fmt.Sprintf(`{"conversationId":%q,"userMessage":"Hi"}`, detail.ID))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := readEvents(t, w.Body)
	require.Equal(t, []string{"start", "token", "token", "finish", "title", "end"}, eventNames(events))
	require.Equal(t, wire.End{Status: wire.EndComplete}, events[len(events)-1])

	_, env = do(t, r, http.MethodGet, "/conversations/"+detail.ID, "")
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Equal(t, "Stub Title", detail.Title)
	require.Len(t, detail.Messages, 2)
	require.Equal(t, "Hello world", detail.Messages[1].Content)
	require.Equal(t, wire.StatusComplete, detail.Messages[1].Status)
}

func TestGenerate_PreStreamErrors(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	w, _ := do(t, r, http.MethodPost, "/chat/generate", `{"conversationId":"missing","userMessage":"Hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	events := readEvents(t, w.Body)
	require.Equal(t, []string{"error"}, eventNames(events))

	w, env := do(t, r, http.MethodPost, "/chat/generate", `{"conversationId":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 10001, env.Code)
}

func TestGenerate_PanicEndsStreamWithError(t *testing.T) {
	r := newTestRouterWith(t, func(ctx context.Context, model string) (ai.Provider, error) {
		panic("provider init exploded")
	})
	_, env := do(t, r, http.MethodPost, "/conversations", "")
	var detail wire.ConversationDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))

	body := fmt.Sprintf(`{"conversationId":%q,"userMessage":"Hi"}`, detail.ID)
	w, _ := do(t, r, http.MethodPost, "/chat/generate", body)
	require.Equal(t, http.StatusOK, w.Code)
	events := readEvents(t, w.Body)
	require.Equal(t, []wire.Event{wire.Error{Message: "internal error"}}, events)

	// the reservation taken before the panic was released
	_, env = do(t, r, http.MethodPost, "/chat/stop", fmt.Sprintf(`{"conversationId":%q}`, detail.ID))
	require.JSONEq(t, `{"stopped":false}`, string(env.Data))

	_, env = do(t, r, http.MethodGet, "/conversations/"+detail.ID, "")
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	require.Empty(t, detail.Messages)

	w, _ = do(t, r, http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStopAndJobs(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	w, _ := do(t, r, http.MethodPost, "/chat/stop", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, env := do(t, r, http.MethodPost, "/chat/stop", `{"conversationId":"c1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"stopped":false}`, string(env.Data))

	_, env = do(t, r, http.MethodPost, "/conversations", "")
	var detail wire.ConversationDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))

	w, env = do(t, r, http.MethodPost, "/chat/generate/async", fmt.Sprintf(`{"conversationId":%q,"userMessage":"Hi"}`, detail.ID))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, 50301, env.Code)

	w, _ = do(t, r, http.MethodGet, "/chat/jobs/unknown", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerate_StopOverHTTP(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &stubProvider{hang: true}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/conversations", "application/json", nil)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	var detail wire.ConversationDetail
	require.NoError(t, json.Unmarshal(env.Data, &detail))

	body := fmt.Sprintf(`{"conversationId":%q,"userMessage":"Hi"}`, detail.ID)
	stream, err := http.Post(srv.URL+"/chat/generate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer stream.Body.Close()

	fr := wire.NewFrameReader(stream.Body)
	var names []string
	for {
		e, err := fr.NextEvent()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, e.EventName())
		if _, ok := e.(wire.Token); ok {
			stop, err := http.Post(srv.URL+"/chat/stop", "application/json",
				bytes.NewBufferString(fmt.Sprintf(`{"conversationId":%q}`, detail.ID)))
			require.NoError(t, err)
			stop.Body.Close()
		}
		if wire.Terminal(e) {
			require.Equal(t, wire.End{Status: wire.EndInterrupted}, e)
			break
		}
	}
	require.Equal(t, []string{"start", "token", "end"}, names)
}
