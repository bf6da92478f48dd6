package event

import "time"

// 结算效果事件类型，提交后经 Outbox -> MQ 通知下游 (推送/邮件等由协作方负责)
const (
	TypeEscrowFunded       = "escrow.funded"
	TypeEscrowReleased     = "escrow.released"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeEscrowDisputed     = "escrow.disputed"
	TypeSelfServiceOffered = "escrow.self_service_offered"
)

// EscrowEffectEvent 一次结算效果
// Topic: escrow_effects; Key: EscrowID (同一笔交易的事件有序)
type EscrowEffectEvent struct {
	Type     string `json:"type"`
	EscrowID uint64 `json:"escrow_id"`
	UserID   uint64 `json:"user_id"` // 效果的受益方 (买家或卖家)
	Amount   string `json:"amount"`  // Decimal string
	Currency string `json:"currency"`

	// 仅 self_service_offered 填充
	Options  []string   `json:"options,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}
