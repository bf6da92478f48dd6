package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrow-core/internal/handler/request"
	"escrow-core/internal/handler/response"
	"escrow-core/internal/service/webhook"
	"escrow-core/pkg/errno"
	"escrow-core/pkg/validator"
)

type WebhookHandler struct {
	dispatcher *webhook.Dispatcher
	store      webhook.Store
}

func NewWebhookHandler(dispatcher *webhook.Dispatcher, store webhook.Store) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, store: store}
}

// Ingest 支付网关回调入口
// 只做记录立即返回 2xx，结算由分发循环异步完成;
// 重复投递照样回 2xx，让 provider 停止重发
func (h *WebhookHandler) Ingest(c *gin.Context) {
	provider := c.Param("provider")

	// 1. 留存原始报文 (审计 + 排障)
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	// 2. 绑定规范化字段
	var req request.WebhookIngestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(err.Error()))
		return
	}
	if req.EventID == "" || req.EventType == "" || req.ReferenceID == 0 || req.Currency == "" || !req.Amount.IsPositive() {
		response.Error(c, errno.ErrBind.WithMessage("missing or invalid webhook fields"))
		return
	}

	// 3. 记录到幂等账本
	entry, isNew, err := h.dispatcher.HandleIncoming(c.Request.Context(), &webhook.IncomingEvent{
		Provider:        provider,
		ExternalEventID: req.EventID,
		EventType:       req.EventType,
		ReferenceID:     req.ReferenceID,
		ReceivedAmount:  req.Amount,
		Currency:        req.Currency,
		RawPayload:      raw,
	})
	if err != nil {
		// 落库失败回 5xx，让 provider 稍后重发
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporarily unavailable"})
		return
	}

	response.Success(c, gin.H{
		"event_id":  entry.ID,
		"status":    entry.Status,
		"duplicate": !isNew,
	})
}

// GetEvent 按外部事件号查询处理状态
func (h *WebhookHandler) GetEvent(c *gin.Context) {
	evt, err := h.store.FindByExternalID(c.Request.Context(), c.Param("provider"), c.Param("event_id"))
	if err != nil {
		response.Error(c, decodeWebhookError(err))
		return
	}
	response.Success(c, evt)
}

// ListFailed 列出终态失败的事件，供人工修复
func (h *WebhookHandler) ListFailed(c *gin.Context) {
	evts, err := h.store.ListFailed(c.Request.Context(), 100)
	if err != nil {
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, evts)
}

// Requeue 人工修复后把 FAILED 事件重新放回队列
func (h *WebhookHandler) Requeue(c *gin.Context) {
	var req request.RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}
	if err := h.store.Requeue(c.Request.Context(), req.Provider, req.ExternalEventID); err != nil {
		response.Error(c, decodeWebhookError(err))
		return
	}
	response.Success(c, nil)
}

func decodeWebhookError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrEventNotFound):
		return errno.ErrEventNotFound
	case errors.Is(err, webhook.ErrNotRequeueable):
		return errno.ErrEventNotRequeueable
	default:
		return errno.ErrDatabase
	}
}
