package routes

import (
	"github.com/gin-gonic/gin"

	"escrow-core/internal/handler"
)

func RegisterWebhookRoutes(rg *gin.RouterGroup, h *handler.WebhookHandler) {
	// 回调入口: 网关适配层验签后转发到这里
	rg.POST("/webhooks/:provider", h.Ingest)

	// 运营侧只读 + 人工修复
	opsGroup := rg.Group("/webhooks")
	{
		opsGroup.GET("/failed", h.ListFailed)
		opsGroup.POST("/requeue", h.Requeue)
		opsGroup.GET("/:provider/:event_id", h.GetEvent)
	}
}
