package server

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrow-core/internal/handler"
	"escrow-core/internal/server/routes"
	"escrow-core/pkg/monitor"
)

// requestID 给每个请求挂 X-Request-ID，排障时用来串联网关和下游日志
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// NewRouter 组装 HTTP 路由
func NewRouter(env string, health *handler.HealthHandler, escrow *handler.EscrowHandler, webhook *handler.WebhookHandler) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(monitor.PrometheusMiddleware())

	r.GET("/health", health.Check)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	routes.RegisterEscrowRoutes(api, escrow)
	routes.RegisterWebhookRoutes(api, webhook)

	return r
}
