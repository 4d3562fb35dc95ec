package api

import (
	"github.com/gin-gonic/gin"

	"github.com/coveworks/cove/internal/common/logger"
)

// NewRouter builds the gin engine with the service's middleware stack.
func NewRouter(log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(OtelTracing("coved"))
	router.Use(CORS())
	return router
}

// SetupRoutes configures the session API routes.
func SetupRoutes(router *gin.Engine, handler *Handler, ws *StreamHandler) {
	router.GET("/health", handler.Health)

	api := router.Group("/api/v1")
	api.Use(RateLimit(100))

	sessions := api.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.EndSession)
		sessions.POST("/:sessionId/turns", handler.SubmitTurn)
		sessions.POST("/:sessionId/interrupt", handler.Interrupt)
		sessions.GET("/:sessionId/sandbox", handler.GetSandbox)
		sessions.GET("/:sessionId/events", ws.Events)
		sessions.GET("/:sessionId/relay", ws.Relay)
	}
}
