package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/common"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/branchchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/branchchat/internal/logger"
)

func NewRouter(cfg config.Config, svc *chat.Service, log *logger.Logger) *gin.Engine {
	return newRouter(cfg, handlers.NewHandler(svc, log), log)
}

func newRouter(cfg config.Config, h *handlers.Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	conv := r.Group("/conversations")
	conv.POST("", h.CreateConversation)
	conv.GET("", h.ListConversations)
	conv.GET("/:id", h.GetConversation)
	conv.PATCH("/:id", h.UpdateConversation)
	conv.DELETE("/:id", h.DeleteConversation)

	chatGroup := r.Group("/chat")
	chatGroup.POST("/generate", h.Generate)
	chatGroup.POST("/stop", h.Stop)
	chatGroup.POST("/generate/async", h.GenerateAsync)
	chatGroup.GET("/jobs/:job_id", h.GetJob)
	return r
}
