package settlement

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"escrow-core/internal/model"
	"escrow-core/internal/service/resolver"
	"escrow-core/pkg/database"
	"escrow-core/pkg/monitor"
)

// 这些用例依赖真实 Postgres (行锁 + 唯一约束语义)
// 运行方式: ESCROW_TEST_DSN="host=localhost user=escrow ..." go test ./internal/service/settlement/...
var metricsOnce sync.Once

func testEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("ESCROW_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping settlement integration test: ESCROW_TEST_DSN not set")
	}
	metricsOnce.Do(monitor.InitBusinessMetrics)

	db, err := database.ConnectPostgres(dsn)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	// 用例之间清场
	for _, table := range []string{"outbox_messages", "ledger_transactions", "escrow_holdings", "webhook_events", "escrows", "accounts"} {
		require.NoError(t, db.Exec("TRUNCATE TABLE "+table+" RESTART IDENTITY CASCADE").Error)
	}

	engine := NewEngine(db, Config{
		Tolerance: resolver.Config{
			ToleranceRate: dec("0.03"),
			MinTolerance:  decimal.Zero,
		},
		DecisionWindow: 24 * time.Hour,
		EffectTopic:    "escrow_effects",
	})
	return engine, db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newPendingEscrow 建一笔 100 + 5 手续费的托管 (total = 105.00)
func newPendingEscrow(t *testing.T, e *Engine) *model.Escrow {
	t.Helper()
	escrow, err := e.CreateEscrow(context.Background(), 1, 2, dec("100.00"), dec("5.00"), "USDT")
	require.NoError(t, err)
	require.Equal(t, model.EscrowStatusPaymentPending, escrow.Status)
	return escrow
}

func paymentEvent(escrowID uint64, extID, amount string) *model.WebhookEvent {
	return &model.WebhookEvent{
		Provider:        "stripe",
		ExternalEventID: extID,
		EventType:       "payment.succeeded",
		ReferenceID:     escrowID,
		ReceivedAmount:  dec(amount),
		Currency:        "USDT",
	}
}

func balanceOf(t *testing.T, db *gorm.DB, userID uint64) decimal.Decimal {
	t.Helper()
	var acct model.Account
	err := db.Where("user_id = ? AND currency = ?", userID, "USDT").First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return acct.Balance
}

func holdingOf(t *testing.T, db *gorm.DB, escrowID uint64) *model.EscrowHolding {
	t.Helper()
	var h model.EscrowHolding
	require.NoError(t, db.Where("escrow_id = ?", escrowID).First(&h).Error)
	return &h
}

func reloadEscrow(t *testing.T, db *gorm.DB, escrowID uint64) *model.Escrow {
	t.Helper()
	var escrow model.Escrow
	require.NoError(t, db.First(&escrow, escrowID).Error)
	return &escrow
}

func TestSettlePaymentExactAmount(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_exact", "105.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	h := holdingOf(t, db, escrow.ID)
	assert.Equal(t, model.HoldingStatusActive, h.Status)
	assert.True(t, h.AmountHeld.Equal(dec("105.00")))
	assert.Equal(t, model.EscrowStatusActive, reloadEscrow(t, db, escrow.ID).Status)

	// 外部渠道资金入托管，不动买家余额
	assert.True(t, balanceOf(t, db, escrow.BuyerID).IsZero())

	var outbox int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("topic = ?", "escrow_effects").Count(&outbox).Error)
	assert.Equal(t, int64(1), outbox)
}

func TestSettlePaymentDuplicateEvent(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	evt := paymentEvent(escrow.ID, "evt_dup", "105.00")
	outcome, err := engine.SettlePayment(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)

	// 同一事件重放: 幂等成功，资金效果不重复
	outcome, err = engine.SettlePayment(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	var holdings, payments int64
	require.NoError(t, db.Model(&model.EscrowHolding{}).Where("escrow_id = ?", escrow.ID).Count(&holdings).Error)
	require.NoError(t, db.Model(&model.LedgerTransaction{}).
		Where("escrow_id = ? AND type = ?", escrow.ID, model.LedgerTypeEscrowPayment).Count(&payments).Error)
	assert.Equal(t, int64(1), holdings)
	assert.Equal(t, int64(1), payments)
}

func TestSettlePaymentOverpayment(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_over", "110.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	// 托管只持有期望金额，多付部分退回买家余额
	assert.True(t, holdingOf(t, db, escrow.ID).AmountHeld.Equal(dec("105.00")))
	assert.True(t, balanceOf(t, db, escrow.BuyerID).Equal(dec("5.00")))

	var over model.LedgerTransaction
	require.NoError(t, db.Where("escrow_id = ? AND type = ?", escrow.ID, model.LedgerTypeEscrowOverpayment).First(&over).Error)
	assert.True(t, over.Amount.Equal(dec("5.00")))
}

func TestSettlePaymentPartialWithinTolerance(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	// 容忍区间: 105 * 3% = 3.15，最低可接受 101.85
	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_partial", "104.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	// 按实收金额入账
	assert.True(t, holdingOf(t, db, escrow.ID).AmountHeld.Equal(dec("104.00")))
	assert.Equal(t, model.EscrowStatusActive, reloadEscrow(t, db, escrow.ID).Status)
}

func TestSettlePaymentSelfService(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	// 中度少付 (98 < 101.85 但 >= 95.55): 打开决策窗口，不入账
	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_short", "98.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	reloaded := reloadEscrow(t, db, escrow.ID)
	assert.Equal(t, model.EscrowStatusPaymentPending, reloaded.Status)
	assert.True(t, reloaded.PendingAmount.Equal(dec("98.00")))
	require.NotNil(t, reloaded.DecisionExpiresAt)

	var holdings int64
	require.NoError(t, db.Model(&model.EscrowHolding{}).Where("escrow_id = ?", escrow.ID).Count(&holdings).Error)
	assert.Zero(t, holdings)
}

func TestSettlePaymentTopUpAfterShortfall(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_short_1", "98.00"))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)

	// 补缴差额: 和窗口内的实收合并后重新裁决 (98 + 7 = 105)
	outcome, err = engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_short_2", "7.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	reloaded := reloadEscrow(t, db, escrow.ID)
	assert.Equal(t, model.EscrowStatusActive, reloaded.Status)
	assert.True(t, reloaded.PendingAmount.IsZero())
	assert.Nil(t, reloaded.DecisionExpiresAt)
	assert.True(t, holdingOf(t, db, escrow.ID).AmountHeld.Equal(dec("105.00")))
}

func TestProceedAtReceived(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_proceed", "98.00"))
	require.NoError(t, err)

	require.NoError(t, engine.ProceedAtReceived(context.Background(), escrow.ID))

	assert.True(t, holdingOf(t, db, escrow.ID).AmountHeld.Equal(dec("98.00")))
	assert.Equal(t, model.EscrowStatusActive, reloadEscrow(t, db, escrow.ID).Status)

	// 决策是一次性的
	err = engine.ProceedAtReceived(context.Background(), escrow.ID)
	assert.ErrorIs(t, err, ErrDecisionNotArmed)
}

func TestCancelShortPayment(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_cancel", "98.00"))
	require.NoError(t, err)

	require.NoError(t, engine.CancelShortPayment(context.Background(), escrow.ID))

	// 实收退回买家余额，托管取消
	assert.True(t, balanceOf(t, db, escrow.BuyerID).Equal(dec("98.00")))
	assert.Equal(t, model.EscrowStatusCancelled, reloadEscrow(t, db, escrow.ID).Status)
}

func TestExpireDecisionWindows(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_expire", "98.00"))
	require.NoError(t, err)

	// 把窗口拨到过去
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&model.Escrow{}).Where("id = ?", escrow.ID).
		Update("decision_expires_at", past).Error)

	n, err := engine.ExpireDecisionWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 默认处置: 退款 + EXPIRED
	assert.True(t, balanceOf(t, db, escrow.BuyerID).Equal(dec("98.00")))
	assert.Equal(t, model.EscrowStatusExpired, reloadEscrow(t, db, escrow.ID).Status)

	// 再跑一轮不应重复处置
	n, err = engine.ExpireDecisionWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettlePaymentSevereUnderpayment(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	// 85 < 95.55: 自动退款
	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_severe", "85.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	assert.True(t, balanceOf(t, db, escrow.BuyerID).Equal(dec("85.00")))
	assert.Equal(t, model.EscrowStatusPaymentFailed, reloadEscrow(t, db, escrow.ID).Status)

	var holdings int64
	require.NoError(t, db.Model(&model.EscrowHolding{}).Where("escrow_id = ?", escrow.ID).Count(&holdings).Error)
	assert.Zero(t, holdings)
}

func TestReleaseIdempotent(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_rel", "105.00"))
	require.NoError(t, err)

	require.NoError(t, engine.Release(context.Background(), escrow.ID))
	// 重复放款: 幂等成功，卖家余额不翻倍
	require.NoError(t, engine.Release(context.Background(), escrow.ID))

	assert.True(t, balanceOf(t, db, escrow.SellerID).Equal(dec("105.00")))
	assert.Equal(t, model.HoldingStatusReleased, holdingOf(t, db, escrow.ID).Status)
	assert.Equal(t, model.EscrowStatusCompleted, reloadEscrow(t, db, escrow.ID).Status)

	var releases int64
	require.NoError(t, db.Model(&model.LedgerTransaction{}).
		Where("escrow_id = ? AND type = ?", escrow.ID, model.LedgerTypeEscrowRelease).Count(&releases).Error)
	assert.Equal(t, int64(1), releases)
}

func TestConcurrentRelease(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_race", "105.00"))
	require.NoError(t, err)

	// 两个并发放款: 行锁串行化，败方看到赢方的流水后按成功返回
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = engine.Release(context.Background(), escrow.ID)
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.True(t, balanceOf(t, db, escrow.SellerID).Equal(dec("105.00")))
}

func TestRefundAfterDispute(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_dispute", "105.00"))
	require.NoError(t, err)

	require.NoError(t, engine.Dispute(context.Background(), escrow.ID))
	assert.Equal(t, model.EscrowStatusDisputed, reloadEscrow(t, db, escrow.ID).Status)

	require.NoError(t, engine.Refund(context.Background(), escrow.ID))
	assert.True(t, balanceOf(t, db, escrow.BuyerID).Equal(dec("105.00")))
	assert.Equal(t, model.HoldingStatusRefunded, holdingOf(t, db, escrow.ID).Status)
	assert.Equal(t, model.EscrowStatusRefunded, reloadEscrow(t, db, escrow.ID).Status)
}

func TestReleaseBeforeFunding(t *testing.T) {
	engine, _ := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	err := engine.Release(context.Background(), escrow.ID)
	assert.ErrorIs(t, err, ErrHoldingNotFound)
}

func TestCancelBeforeFunding(t *testing.T) {
	engine, db := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	require.NoError(t, engine.Cancel(context.Background(), escrow.ID))
	assert.Equal(t, model.EscrowStatusCancelled, reloadEscrow(t, db, escrow.ID).Status)

	// 取消后的回调不可入账
	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_late", "105.00"))
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrNotFundable)
}

func TestSettlePaymentUnknownEscrow(t *testing.T) {
	engine, _ := testEngine(t)

	outcome, err := engine.SettlePayment(context.Background(), paymentEvent(999999, "evt_nope", "105.00"))
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestSettlePaymentCurrencyMismatch(t *testing.T) {
	engine, _ := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	evt := paymentEvent(escrow.ID, "evt_cur", "105.00")
	evt.Currency = "BTC"
	outcome, err := engine.SettlePayment(context.Background(), evt)
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestReconstructHoldingStatus(t *testing.T) {
	engine, _ := testEngine(t)
	escrow := newPendingEscrow(t, engine)

	_, err := engine.SettlePayment(context.Background(), paymentEvent(escrow.ID, "evt_replay", "105.00"))
	require.NoError(t, err)

	status, err := engine.ReconstructHoldingStatus(context.Background(), escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldingStatusActive, status)

	require.NoError(t, engine.Release(context.Background(), escrow.ID))

	status, err = engine.ReconstructHoldingStatus(context.Background(), escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HoldingStatusReleased, status)
}

// 引擎在监控未初始化时也要能工作 (运维 CLI 等场景不起 metrics)
// 不依赖数据库: 金额校验在任何 DB 访问之前就返回
func TestEngineWorksWithoutMetrics(t *testing.T) {
	saved := monitor.Business
	monitor.Business = nil
	defer func() { monitor.Business = saved }()

	engine := NewEngine(nil, Config{})
	outcome, err := engine.SettlePayment(context.Background(), &model.WebhookEvent{
		ReceivedAmount: decimal.Zero,
	})
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
