package webhook

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"escrow-core/internal/model"
)

// GormStore 基于 Postgres 的 Store 实现
// 幂等性完全依赖 webhook_events 上的 (provider, external_event_id) 唯一约束
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) RecordOrFetch(ctx context.Context, in *IncomingEvent) (*model.WebhookEvent, bool, error) {
	entry := &model.WebhookEvent{
		Provider:        in.Provider,
		ExternalEventID: in.ExternalEventID,
		EventType:       in.EventType,
		ReferenceID:     in.ReferenceID,
		ReceivedAmount:  in.ReceivedAmount,
		Currency:        in.Currency,
		RawPayload:      in.RawPayload,
		Status:          model.WebhookStatusReceived,
	}
	err := s.db.WithContext(ctx).Create(entry).Error
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}
	// 重复投递: 返回首次记录，后续 payload 一律忽略
	var existing model.WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND external_event_id = ?", in.Provider, in.ExternalEventID).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// claimable 状态集合: 只有这些状态允许被领取
var claimable = []string{model.WebhookStatusReceived, model.WebhookStatusRetryScheduled}

func (s *GormStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]model.WebhookEvent, error) {
	// 1. 捞候选 id
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("status = ? OR (status = ? AND next_retry_at <= ?)",
			model.WebhookStatusReceived, model.WebhookStatusRetryScheduled, now).
		Order("id").Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	// 2. 逐条 CAS 领取，竞争失败的跳过 (被别的 worker 抢走)
	claimed := make([]model.WebhookEvent, 0, len(ids))
	for _, id := range ids {
		ok, err := s.claim(ctx, id, now)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		var evt model.WebhookEvent
		if err := s.db.WithContext(ctx).First(&evt, id).Error; err != nil {
			return claimed, err
		}
		claimed = append(claimed, evt)
	}
	return claimed, nil
}

// claim 单条事件的 CAS 领取
// 到期条件必须在 CAS 里复查: 捞候选和领取之间，别的实例可能已经
// 领取过并把事件重新排到未来，这时不能立刻再领
func (s *GormStore) claim(ctx context.Context, id uint64, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ? AND status IN ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			id, claimable, now).
		Updates(map[string]interface{}{
			"status":     model.WebhookStatusProcessing,
			"claimed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// 结果落库统一要求行仍处于 PROCESSING: 被回收的僵死 worker 迟到的
// 结果不允许覆盖事件第二次处理写下的状态，过期写直接丢弃

func (s *GormStore) MarkCompleted(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusCompleted,
			"next_retry_at": nil,
		}).Error
}

func (s *GormStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	return s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusFailed,
			"next_retry_at": nil,
			"last_error":    lastError,
		}).Error
}

func (s *GormStore) Reschedule(ctx context.Context, id uint64, retryCount int, nextRetryAt time.Time, lastError string) error {
	return s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusRetryScheduled,
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
			"claimed_at":    nil,
			"last_error":    lastError,
		}).Error
}

func (s *GormStore) ReapStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	// worker 崩溃后滞留的 PROCESSING 放回队列立即重试
	// 结算事务本身幂等，重放最多产生 already_processing，不会重复记账
	res := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("status = ? AND claimed_at < ?", model.WebhookStatusProcessing, claimedBefore).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusRetryScheduled,
			"next_retry_at": time.Now(),
			"claimed_at":    nil,
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) FindByExternalID(ctx context.Context, provider, externalEventID string) (*model.WebhookEvent, error) {
	var evt model.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_event_id = ?", provider, externalEventID).
		First(&evt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

func (s *GormStore) ListFailed(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	var evts []model.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", model.WebhookStatusFailed).
		Order("id").Limit(limit).
		Find(&evts).Error
	return evts, err
}

func (s *GormStore) Requeue(ctx context.Context, provider, externalEventID string) error {
	res := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider = ? AND external_event_id = ? AND status = ?",
			provider, externalEventID, model.WebhookStatusFailed).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusReceived,
			"retry_count":   0,
			"next_retry_at": nil,
			"claimed_at":    nil,
			"last_error":    "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 区分"不存在"和"存在但不是 FAILED"
		if _, err := s.FindByExternalID(ctx, provider, externalEventID); err != nil {
			return err
		}
		return ErrNotRequeueable
	}
	return nil
}
