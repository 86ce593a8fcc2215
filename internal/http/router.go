package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares y rutas. metrics puede ser nil.
func NewRouter(
	logger *zap.Logger,
	chatH *ChatHandler,
	resource gin.HandlerFunc,
	metrics http.Handler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type. El stream lo sobreescribe.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/healthz", chatH.Healthz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	threads := r.Group("/threads", resource)
	threads.GET("", chatH.ListThreads)
	threads.POST("", chatH.CreateThread)
	threads.GET("/:id", chatH.GetThread)
	threads.POST("/:id/messages", chatH.PostMessage)
	threads.GET("/:id/stream", chatH.Stream)
	threads.POST("/:id/stream", chatH.Stream)

	api := r.Group("/api", resource)
	api.POST("/abort/:threadId", chatH.Abort)
	api.POST("/abort", chatH.Abort)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
