package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow 状态机 (转移表见 settlement 包)
const (
	EscrowStatusCreated          = "CREATED"
	EscrowStatusPaymentPending   = "PAYMENT_PENDING"
	EscrowStatusPaymentConfirmed = "PAYMENT_CONFIRMED"
	EscrowStatusPaymentFailed    = "PAYMENT_FAILED"
	EscrowStatusActive           = "ACTIVE"
	EscrowStatusCompleted        = "COMPLETED"
	EscrowStatusDisputed         = "DISPUTED"
	EscrowStatusRefunded         = "REFUNDED"
	EscrowStatusCancelled        = "CANCELLED"
	EscrowStatusExpired          = "EXPIRED"
)

// Holding 状态
const (
	HoldingStatusActive   = "ACTIVE"
	HoldingStatusReleased = "RELEASED"
	HoldingStatusRefunded = "REFUNDED"
)

// LedgerTransaction 类型
const (
	LedgerTypeDeposit           = "deposit"
	LedgerTypeEscrowPayment     = "escrow_payment"
	LedgerTypeEscrowRelease     = "escrow_release"
	LedgerTypeEscrowRefund      = "escrow_refund"
	LedgerTypeEscrowOverpayment = "escrow_overpayment"
)

const LedgerStatusCompleted = "completed"

// Account 用户资产账户表
// 核心设计: 引入 Version 字段实现乐观锁
type Account struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64          `gorm:"not null;uniqueIndex:idx_user_currency" json:"user_id"`
	Currency  string          `gorm:"type:varchar(10);not null;uniqueIndex:idx_user_currency" json:"currency"`
	Balance   decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"balance"` // 可用余额
	Version   uint64          `gorm:"not null;default:0" json:"version"`                     // 乐观锁版本号
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Escrow 担保交易表
// 资金相关字段只允许 settlement 引擎修改
type Escrow struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyerID     uint64          `gorm:"not null;index" json:"buyer_id"`
	SellerID    uint64          `gorm:"not null;index" json:"seller_id"`
	Currency    string          `gorm:"type:varchar(10);not null" json:"currency"`
	Amount      decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount"`       // 商品金额
	FeeAmount   decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"fee_amount"`   // 平台手续费
	TotalAmount decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"total_amount"` // = Amount + FeeAmount
	Status      string          `gorm:"type:varchar(32);not null;default:'CREATED';index" json:"status"`

	// Self-Service 决策窗口: 中度少付时买家三选一，窗口到期自动退款
	PendingAmount     decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"pending_amount"`
	DecisionExpiresAt *time.Time      `gorm:"index" json:"decision_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EscrowHolding 托管资金表
// 不变式: 一个 Escrow 最多一条 Holding (escrow_id 唯一索引兜底)，
// ACTIVE -> RELEASED / REFUNDED 的转移只发生一次
type EscrowHolding struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EscrowID   uint64          `gorm:"not null;uniqueIndex:idx_holding_escrow" json:"escrow_id"`
	Currency   string          `gorm:"type:varchar(10);not null" json:"currency"`
	AmountHeld decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount_held"`
	Status     string          `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LedgerTransaction 资金流水表 (只插入，创建后永不更新)
// 幂等约束: (user_id, escrow_id, type, external_reference) 唯一，
// 同一个外部事件触发的同一种资金效果最多落一条流水
type LedgerTransaction struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            uint64          `gorm:"not null;index;uniqueIndex:idx_ledger_effect" json:"user_id"`
	EscrowID          uint64          `gorm:"not null;index;uniqueIndex:idx_ledger_effect" json:"escrow_id"`
	Type              string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_ledger_effect" json:"type"`
	Amount            decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount"` // 恒为正数
	Currency          string          `gorm:"type:varchar(10);not null" json:"currency"`
	Status            string          `gorm:"type:varchar(16);not null;default:'completed'" json:"status"`
	ExternalReference string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_ledger_effect" json:"external_reference"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (Escrow) TableName() string {
	return "escrows"
}

func (EscrowHolding) TableName() string {
	return "escrow_holdings"
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}
