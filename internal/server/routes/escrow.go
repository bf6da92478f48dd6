package routes

import (
	"github.com/gin-gonic/gin"

	"escrow-core/internal/handler"
)

func RegisterEscrowRoutes(rg *gin.RouterGroup, h *handler.EscrowHandler) {
	escrowGroup := rg.Group("/escrows")
	// Auth middleware here
	{
		escrowGroup.POST("", h.CreateEscrow)
		escrowGroup.GET("/:id", h.GetEscrow)
		escrowGroup.POST("/:id/release", h.Release)
		escrowGroup.POST("/:id/refund", h.Refund)
		escrowGroup.POST("/:id/dispute", h.Dispute)
		escrowGroup.POST("/:id/cancel", h.Cancel)
		escrowGroup.POST("/:id/decision", h.Decide)
		escrowGroup.GET("/:id/audit", h.AuditHolding)
	}
}
