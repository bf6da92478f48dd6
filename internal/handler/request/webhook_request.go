package request

import "github.com/shopspring/decimal"

// WebhookIngestRequest 支付网关回调的规范化载荷
// 各 provider 专属的字段差异在网关适配层抹平后才会打到这里
type WebhookIngestRequest struct {
	EventID     string          `json:"event_id" binding:"required"`
	EventType   string          `json:"event_type" binding:"required"`
	ReferenceID uint64          `json:"reference_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency" binding:"required"`
}

type RequeueRequest struct {
	Provider        string `json:"provider" binding:"required"`
	ExternalEventID string `json:"external_event_id" binding:"required"`
}
