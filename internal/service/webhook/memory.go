package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow-core/internal/model"
)

// MemoryStore 内存版 Store，给单测和本地联调用
// 语义与 GormStore 对齐: RecordOrFetch 的并发去重、ClaimDue 的单次领取都成立
type MemoryStore struct {
	mu     sync.Mutex
	nextID uint64
	byKey  map[string]*model.WebhookEvent // provider + "/" + external_event_id
	byID   map[uint64]*model.WebhookEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byKey:  make(map[string]*model.WebhookEvent),
		byID:   make(map[uint64]*model.WebhookEvent),
	}
}

func eventKey(provider, externalEventID string) string {
	return provider + "/" + externalEventID
}

func (s *MemoryStore) RecordOrFetch(_ context.Context, in *IncomingEvent) (*model.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(in.Provider, in.ExternalEventID)
	if existing, ok := s.byKey[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	entry := &model.WebhookEvent{
		ID:              s.nextID,
		Provider:        in.Provider,
		ExternalEventID: in.ExternalEventID,
		EventType:       in.EventType,
		ReferenceID:     in.ReferenceID,
		ReceivedAmount:  in.ReceivedAmount,
		Currency:        in.Currency,
		RawPayload:      in.RawPayload,
		Status:          model.WebhookStatusReceived,
		CreatedAt:       time.Now(),
	}
	s.nextID++
	s.byKey[key] = entry
	s.byID[entry.ID] = entry
	cp := *entry
	return &cp, true, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, limit int, now time.Time) ([]model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var claimed []model.WebhookEvent
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		evt := s.byID[id]
		due := evt.Status == model.WebhookStatusReceived ||
			(evt.Status == model.WebhookStatusRetryScheduled &&
				evt.NextRetryAt != nil && !evt.NextRetryAt.After(now))
		if !due {
			continue
		}
		evt.Status = model.WebhookStatusProcessing
		t := now
		evt.ClaimedAt = &t
		claimed = append(claimed, *evt)
	}
	return claimed, nil
}

// 结果落库与 GormStore 对齐: 行不在 PROCESSING 时丢弃过期写，
// 防止被回收的僵死 worker 覆盖事件第二次处理写下的状态

func (s *MemoryStore) MarkCompleted(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	if evt.Status != model.WebhookStatusProcessing {
		return nil
	}
	evt.Status = model.WebhookStatusCompleted
	evt.NextRetryAt = nil
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uint64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	if evt.Status != model.WebhookStatusProcessing {
		return nil
	}
	evt.Status = model.WebhookStatusFailed
	evt.NextRetryAt = nil
	evt.LastError = lastError
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id uint64, retryCount int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	if evt.Status != model.WebhookStatusProcessing {
		return nil
	}
	evt.Status = model.WebhookStatusRetryScheduled
	evt.RetryCount = retryCount
	t := nextRetryAt
	evt.NextRetryAt = &t
	evt.ClaimedAt = nil
	evt.LastError = lastError
	return nil
}

func (s *MemoryStore) ReapStale(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for _, evt := range s.byID {
		if evt.Status == model.WebhookStatusProcessing &&
			evt.ClaimedAt != nil && evt.ClaimedAt.Before(claimedBefore) {
			evt.Status = model.WebhookStatusRetryScheduled
			t := now
			evt.NextRetryAt = &t
			evt.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, provider, externalEventID string) (*model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.byKey[eventKey(provider, externalEventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WebhookEvent
	ids := make([]uint64, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if s.byID[id].Status == model.WebhookStatusFailed {
			out = append(out, *s.byID[id])
		}
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, provider, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.byKey[eventKey(provider, externalEventID)]
	if !ok {
		return ErrEventNotFound
	}
	if evt.Status != model.WebhookStatusFailed {
		return ErrNotRequeueable
	}
	evt.Status = model.WebhookStatusReceived
	evt.RetryCount = 0
	evt.NextRetryAt = nil
	evt.ClaimedAt = nil
	evt.LastError = ""
	return nil
}
