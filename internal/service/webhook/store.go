// Package webhook 实现支付回调的接收、幂等账本、重试队列和分发循环。
// webhook_events 表同时充当幂等账本 (首个 payload 为准) 和持久化重试队列。
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"escrow-core/internal/model"
)

var (
	ErrEventNotFound  = errors.New("webhook event not found")
	ErrNotRequeueable = errors.New("only FAILED events can be requeued")
)

// IncomingEvent 传输层交来的规范化事件
// 签名校验和 provider 专属的 payload 解析都发生在传输层，本包只见统一结构
type IncomingEvent struct {
	Provider        string
	ExternalEventID string
	EventType       string
	ReferenceID     uint64 // 对应 Escrow.ID
	ReceivedAmount  decimal.Decimal
	Currency        string
	RawPayload      []byte
}

// Store 幂等账本 + 重试队列的持久化接口
type Store interface {
	// RecordOrFetch 原子地"插入或取回"事件记录
	// 依赖 (provider, external_event_id) 唯一约束做单条原子插入，绝不先查后插;
	// 已存在时原样返回首次记录 (忽略 payload 差异)，isNew=false。
	// 并发重复投递下恰好一个调用方拿到 isNew=true。
	RecordOrFetch(ctx context.Context, in *IncomingEvent) (entry *model.WebhookEvent, isNew bool, err error)

	// ClaimDue 原子领取到期事件: RECEIVED / 到期的 RETRY_SCHEDULED -> PROCESSING
	// 每条事件的领取是单条 CAS，两个 worker 绝不会同时拿到同一条
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]model.WebhookEvent, error)

	// 结果落库仅在行仍为 PROCESSING 时生效: 被回收的僵死 worker
	// 迟到的结果写入会被丢弃，不会覆盖事件第二次处理的状态

	// MarkCompleted 终态成功
	MarkCompleted(ctx context.Context, id uint64) error
	// MarkFailed 终态失败，等待人工介入，绝不静默丢弃
	MarkFailed(ctx context.Context, id uint64, lastError string) error
	// Reschedule 退避后重试: PROCESSING -> RETRY_SCHEDULED
	Reschedule(ctx context.Context, id uint64, retryCount int, nextRetryAt time.Time, lastError string) error

	// ReapStale 回收僵死的 PROCESSING (worker 崩溃)，放回 RETRY_SCHEDULED
	ReapStale(ctx context.Context, claimedBefore time.Time) (int64, error)

	// FindByExternalID 运营侧按外部事件号查询状态 (只读)
	FindByExternalID(ctx context.Context, provider, externalEventID string) (*model.WebhookEvent, error)
	// ListFailed 列出终态失败事件，供人工修复
	ListFailed(ctx context.Context, limit int) ([]model.WebhookEvent, error)
	// Requeue 人工修复后把 FAILED 事件重新放回队列
	Requeue(ctx context.Context, provider, externalEventID string) error
}
