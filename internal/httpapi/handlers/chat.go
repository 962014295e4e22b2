package handlers

import (
	"context"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/common"
	"github.com/suPer8Hu/branchchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

// sseSink writes frames to the response until the client goes away.
type sseSink struct {
	mu       sync.Mutex
	w        gin.ResponseWriter
	detached bool
}

func (s *sseSink) Send(e wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if err := wire.WriteFrame(s.w, e); err != nil {
		s.detached = true
		return
	}
	s.w.Flush()
}

func (s *sseSink) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		s.detached = true
		return
	}
	s.w.Flush()
}

func (s *sseSink) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

// Generate streams one turn as server-sent events. The generation keeps
// running when the client disconnects; the client reloads the conversation
// to pick up the result.
func (h *Handler) Generate(c *gin.Context) {
	var req wire.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	c.Writer.Flush()

	reqID := middleware.RequestIDFrom(c)
	log := h.Log.With("conversation_id", req.ConversationID, "request_id", reqID)
	sink := &sseSink{w: c.Writer}
	ctx := context.WithoutCancel(c.Request.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Error("generation panicked", "panic", r, "stack", string(debug.Stack()))
				sink.Send(wire.Error{Message: "internal error"})
			}
		}()
		if _, err := h.ChatSvc.Generate(ctx, req, sink); err != nil {
			log.Info("generation ended with error", "err", err)
		}
	}()

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sink.ping()
		case <-c.Request.Context().Done():
			sink.detach()
			log.Info("client disconnected, generation continues")
			return
		}
	}
}

func (h *Handler) Stop(c *gin.Context) {
	var req wire.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ConversationID) == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "conversationId required")
		return
	}
	stopped := h.ChatSvc.Stop(c.Request.Context(), strings.TrimSpace(req.ConversationID))
	common.OK(c, gin.H{"stopped": stopped})
}

func (h *Handler) GenerateAsync(c *gin.Context) {
	var req wire.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	job, created, err := h.ChatSvc.EnqueueGeneration(c.Request.Context(), req, idempoKey)
	if err != nil {
		h.failErr(c, err, "conversation")
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data":    chat.ToWireJob(*job),
	})
}

func (h *Handler) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.failErr(c, err, "job")
		return
	}
	common.OK(c, chat.ToWireJob(*j))
}
