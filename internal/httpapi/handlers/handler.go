package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/common"
	"github.com/suPer8Hu/branchchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/branchchat/internal/logger"
)

type Handler struct {
	ChatSvc *chat.Service
	Log     *logger.Logger
	// Heartbeat is the interval of SSE comment frames.
	Heartbeat time.Duration
}

func NewHandler(svc *chat.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{ChatSvc: svc, Log: log.With("service", "http"), Heartbeat: 15 * time.Second}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failErr maps service errors onto the response envelope.
func (h *Handler) failErr(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, what+" not found")
	case errors.Is(err, chat.ErrConfiguration):
		common.Fail(c, http.StatusServiceUnavailable, 50301, err.Error())
	default:
		h.Log.Error("request failed", "path", c.FullPath(), "request_id", middleware.RequestIDFrom(c), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
