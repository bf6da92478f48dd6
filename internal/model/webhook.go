package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebhookEvent 状态流转: RECEIVED -> PROCESSING -> {COMPLETED | FAILED | RETRY_SCHEDULED}
// RETRY_SCHEDULED 在 next_retry_at 到期后被重新领取为 PROCESSING
const (
	WebhookStatusReceived       = "RECEIVED"
	WebhookStatusProcessing     = "PROCESSING"
	WebhookStatusCompleted      = "COMPLETED"
	WebhookStatusRetryScheduled = "RETRY_SCHEDULED"
	WebhookStatusFailed         = "FAILED"
)

// WebhookEvent 支付回调事件表，同时充当幂等账本和重试队列
// 不变式: (provider, external_event_id) 唯一 —— 同一事件的重复投递落到同一行;
// 首次收到的 payload 为准，后续重复投递的 payload 差异被忽略;
// 行只由 Dispatch Loop 修改，永不删除 (审计需要)
type WebhookEvent struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider        string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_provider_event" json:"provider"`
	ExternalEventID string          `gorm:"type:varchar(191);not null;uniqueIndex:idx_provider_event" json:"external_event_id"`
	EventType       string          `gorm:"type:varchar(64);not null" json:"event_type"`
	ReferenceID     uint64          `gorm:"not null;index" json:"reference_id"` // 对应 Escrow.ID
	ReceivedAmount  decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"received_amount"`
	Currency        string          `gorm:"type:varchar(10);not null" json:"currency"`
	RawPayload      []byte          `gorm:"type:text" json:"raw_payload"`
	Status          string          `gorm:"type:varchar(20);not null;default:'RECEIVED';index" json:"status"`
	RetryCount      int             `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt     *time.Time      `gorm:"index" json:"next_retry_at,omitempty"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"` // 领取时间，用于回收僵死的 PROCESSING
	LastError       string          `gorm:"type:text" json:"last_error"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
