package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-core/internal/model"
)

func sampleEvent(extID string) *IncomingEvent {
	return &IncomingEvent{
		Provider:        "stripe",
		ExternalEventID: extID,
		EventType:       "payment.succeeded",
		ReferenceID:     42,
		ReceivedAmount:  decimal.RequireFromString("105.00"),
		Currency:        "USDT",
		RawPayload:      []byte(`{"id":"` + extID + `"}`),
	}
}

func TestRecordOrFetchConcurrentDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var newCount int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := store.RecordOrFetch(ctx, sampleEvent("evt_1"))
			assert.NoError(t, err)
			if isNew {
				atomic.AddInt64(&newCount, 1)
			}
		}()
	}
	wg.Wait()

	// 并发重复投递下恰好一个调用方创建记录
	assert.Equal(t, int64(1), newCount)

	entry, err := store.FindByExternalID(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusReceived, entry.Status)
}

func TestRecordOrFetchKeepsFirstPayload(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, isNew, err := store.RecordOrFetch(ctx, sampleEvent("evt_2"))
	require.NoError(t, err)
	require.True(t, isNew)

	altered := sampleEvent("evt_2")
	altered.ReceivedAmount = decimal.RequireFromString("999.00")
	second, isNew, err := store.RecordOrFetch(ctx, altered)
	require.NoError(t, err)
	assert.False(t, isNew)
	// 首个 payload 为准
	assert.True(t, first.ReceivedAmount.Equal(second.ReceivedAmount))
}

func TestClaimDueClaimsOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.RecordOrFetch(ctx, sampleEvent("evt_3"))
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.WebhookStatusProcessing, claimed[0].Status)

	// 已在 PROCESSING 的不会被再次领取
	again, err := store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueRespectsNextRetryAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry, _, err := store.RecordOrFetch(ctx, sampleEvent("evt_4"))
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	future := time.Now().Add(time.Hour)
	require.NoError(t, store.Reschedule(ctx, entry.ID, 1, future, "timeout"))

	// 未到期不领取
	claimed, err = store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// 到期后领取
	claimed, err = store.ClaimDue(ctx, 10, future.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)
}

func TestRequeueOnlyFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry, _, err := store.RecordOrFetch(ctx, sampleEvent("evt_5"))
	require.NoError(t, err)

	// 非 FAILED 不允许重新入队
	assert.ErrorIs(t, store.Requeue(ctx, "stripe", "evt_5"), ErrNotRequeueable)
	assert.ErrorIs(t, store.Requeue(ctx, "stripe", "missing"), ErrEventNotFound)

	claimed, err := store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkFailed(ctx, entry.ID, "bad reference"))
	failed, err := store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, store.Requeue(ctx, "stripe", "evt_5"))
	after, err := store.FindByExternalID(ctx, "stripe", "evt_5")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusReceived, after.Status)
	assert.Equal(t, 0, after.RetryCount)
	assert.Empty(t, after.LastError)
}

func TestLateResultCannotOverwriteReclaimedEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry, _, err := store.RecordOrFetch(ctx, sampleEvent("evt_zombie"))
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// worker 僵死，事件被回收放回队列
	n, err := store.ReapStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// 僵死 worker 苏醒后迟到的终态写必须被丢弃
	require.NoError(t, store.MarkFailed(ctx, entry.ID, "late failure"))
	after, err := store.FindByExternalID(ctx, "stripe", "evt_zombie")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusRetryScheduled, after.Status)
	assert.Empty(t, after.LastError)

	// 第二次处理正常完成后，迟到的改写同样无效
	claimed, err = store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkCompleted(ctx, entry.ID))
	require.NoError(t, store.MarkFailed(ctx, entry.ID, "late failure"))
	require.NoError(t, store.Reschedule(ctx, entry.ID, 3, time.Now(), "late retry"))

	after, err = store.FindByExternalID(ctx, "stripe", "evt_zombie")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusCompleted, after.Status)
	assert.Equal(t, 0, after.RetryCount)
}

func TestReapStale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.RecordOrFetch(ctx, sampleEvent("evt_6"))
	require.NoError(t, err)
	claimed, err := store.ClaimDue(ctx, 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := store.ReapStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 回收后立即可被重新领取
	claimed, err = store.ClaimDue(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	// 重放不消耗重试预算
	assert.Equal(t, 0, claimed[0].RetryCount)
}
