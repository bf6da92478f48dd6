package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-core/internal/model"
	"escrow-core/internal/service/settlement"
	"escrow-core/pkg/utils/lock"
)

// scriptedSettler 按事件外部号返回预设结果
type scriptedSettler struct {
	outcomes map[string]settlement.Outcome
	errs     map[string]error
	calls    int
}

func (s *scriptedSettler) SettlePayment(_ context.Context, evt *model.WebhookEvent) (settlement.Outcome, error) {
	s.calls++
	return s.outcomes[evt.ExternalEventID], s.errs[evt.ExternalEventID]
}

// noopLock 永远拿得到锁
type noopLock struct{}

func (noopLock) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (noopLock) Release(context.Context, string) error                        { return nil }

// deniedLock 永远拿不到锁，模拟另一个实例持锁
type deniedLock struct{}

func (deniedLock) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (deniedLock) Release(context.Context, string) error                        { return nil }

func newTestDispatcher(store Store, settler Settler, dl lock.DistributedLock) *Dispatcher {
	return NewDispatcher(store, settler, dl, Config{
		Policy: RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxRetries: 4},
	})
}

func claimOne(t *testing.T, store Store) *model.WebhookEvent {
	t.Helper()
	claimed, err := store.ClaimDue(context.Background(), 1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return &claimed[0]
}

func TestProcessOneSuccess(t *testing.T) {
	store := NewMemoryStore()
	set := &scriptedSettler{outcomes: map[string]settlement.Outcome{"evt_ok": settlement.OutcomeSuccess}}
	d := newTestDispatcher(store, set, noopLock{})

	_, _, err := d.HandleIncoming(context.Background(), sampleEvent("evt_ok"))
	require.NoError(t, err)

	d.processOne(context.Background(), claimOne(t, store))

	after, err := store.FindByExternalID(context.Background(), "stripe", "evt_ok")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusCompleted, after.Status)
	assert.Equal(t, 1, set.calls)
}

func TestProcessOneLockContention(t *testing.T) {
	store := NewMemoryStore()
	set := &scriptedSettler{outcomes: map[string]settlement.Outcome{}}
	d := newTestDispatcher(store, set, deniedLock{})

	_, _, err := d.HandleIncoming(context.Background(), sampleEvent("evt_locked"))
	require.NoError(t, err)

	d.processOne(context.Background(), claimOne(t, store))

	// 锁竞争是成功的去重: 不调结算，事件直接完成
	after, err := store.FindByExternalID(context.Background(), "stripe", "evt_locked")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusCompleted, after.Status)
	assert.Zero(t, set.calls)
}

func TestProcessOneRetrySchedulesBackoff(t *testing.T) {
	store := NewMemoryStore()
	set := &scriptedSettler{
		outcomes: map[string]settlement.Outcome{"evt_retry": settlement.OutcomeRetry},
		errs:     map[string]error{"evt_retry": errors.New("deadlock detected")},
	}
	d := newTestDispatcher(store, set, noopLock{})

	_, _, err := d.HandleIncoming(context.Background(), sampleEvent("evt_retry"))
	require.NoError(t, err)

	before := time.Now()
	d.processOne(context.Background(), claimOne(t, store))

	after, err := store.FindByExternalID(context.Background(), "stripe", "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusRetryScheduled, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	require.NotNil(t, after.NextRetryAt)
	// 第一次失败退避 BaseDelay
	assert.WithinDuration(t, before.Add(time.Minute), *after.NextRetryAt, 5*time.Second)
	assert.Contains(t, after.LastError, "deadlock")
}

func TestProcessOneRetryExhaustionFails(t *testing.T) {
	store := NewMemoryStore()
	set := &scriptedSettler{
		outcomes: map[string]settlement.Outcome{"evt_exhausted": settlement.OutcomeRetry},
		errs:     map[string]error{"evt_exhausted": errors.New("still deadlocked")},
	}
	d := newTestDispatcher(store, set, noopLock{})

	_, _, err := d.HandleIncoming(context.Background(), sampleEvent("evt_exhausted"))
	require.NoError(t, err)

	// 重试 4 次后第 5 次尝试进入终态失败
	// 每轮用超过最大退避的未来时钟领取，让排到未来的重试立即到期
	for i := 0; i < 5; i++ {
		claimed, err := store.ClaimDue(context.Background(), 1, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		d.processOne(context.Background(), &claimed[0])
	}

	after, err := store.FindByExternalID(context.Background(), "stripe", "evt_exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusFailed, after.Status)
	assert.Contains(t, after.LastError, "retries exhausted")
}

func TestProcessOneTerminalError(t *testing.T) {
	store := NewMemoryStore()
	set := &scriptedSettler{
		outcomes: map[string]settlement.Outcome{"evt_bad": settlement.OutcomeError},
		errs:     map[string]error{"evt_bad": settlement.ErrEscrowNotFound},
	}
	d := newTestDispatcher(store, set, noopLock{})

	_, _, err := d.HandleIncoming(context.Background(), sampleEvent("evt_bad"))
	require.NoError(t, err)

	d.processOne(context.Background(), claimOne(t, store))

	after, err := store.FindByExternalID(context.Background(), "stripe", "evt_bad")
	require.NoError(t, err)
	// 非临时性失败不消耗重试队列，直接等人工介入
	assert.Equal(t, model.WebhookStatusFailed, after.Status)
	assert.Equal(t, 0, after.RetryCount)
}
