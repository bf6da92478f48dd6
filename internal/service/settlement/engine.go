// Package settlement 实现托管资金的事务核心:
// 入账 (Fund)、放款 (Release)、退款 (Refund) 以及自助决策的消费与过期。
// 所有资金效果都在单个数据库事务内完成，部分结算在结构上不可能发生。
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrow-core/internal/event"
	"escrow-core/internal/model"
	"escrow-core/internal/service/resolver"
	"escrow-core/pkg/monitor"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrHoldingNotFound      = errors.New("escrow holding not found")
	ErrHoldingNotActive     = errors.New("escrow holding is not active")
	ErrCurrencyMismatch     = errors.New("payment currency does not match escrow currency")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrNotFundable          = errors.New("escrow is not awaiting payment")
	ErrDecisionNotArmed     = errors.New("escrow has no pending self-service decision")
	ErrDecisionWindowClosed = errors.New("self-service decision window has closed")

	// errEffectExists 流水唯一约束命中，说明该资金效果早已落账
	errEffectExists = errors.New("ledger effect already recorded")
)

// Config 结算参数，由 main 注入，引擎不读全局配置
type Config struct {
	Tolerance      resolver.Config
	DecisionWindow time.Duration // 自助决策窗口时长
	EffectTopic    string        // 结算效果通知的 Outbox 主题
}

// Engine 托管结算引擎
// EscrowHolding 行是单一资金变更点，所有变更都在事务内加排他锁后进行
type Engine struct {
	db  *gorm.DB
	cfg Config
}

func NewEngine(db *gorm.DB, cfg Config) *Engine {
	if cfg.EffectTopic == "" {
		cfg.EffectTopic = "escrow_effects"
	}
	if cfg.DecisionWindow <= 0 {
		cfg.DecisionWindow = 24 * time.Hour
	}
	return &Engine{db: db, cfg: cfg}
}

// externalRef 由 (provider, external_event_id) 构造流水外部引用，
// 配合流水表唯一索引保证同一事件的同一效果最多落账一次
func externalRef(evt *model.WebhookEvent) string {
	return evt.Provider + ":" + evt.ExternalEventID
}

// CreateEscrow 创建交易并进入等待支付状态
func (e *Engine) CreateEscrow(ctx context.Context, buyerID, sellerID uint64, amount, fee decimal.Decimal, currency string) (*model.Escrow, error) {
	if !amount.IsPositive() || fee.IsNegative() {
		return nil, ErrInvalidAmount
	}

	escrow := &model.Escrow{
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Currency:      currency,
		Amount:        amount,
		FeeAmount:     fee,
		TotalAmount:   amount.Add(fee),
		Status:        model.EscrowStatusCreated,
		PendingAmount: decimal.Zero,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(escrow).Error; err != nil {
			return err
		}
		// 创建后立刻发出支付指令，进入 PAYMENT_PENDING
		return transitionTo(tx, escrow, model.EscrowStatusPaymentPending)
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// SettlePayment 处理一笔已确认的支付回调，返回显式结果码
//
// 单个事务内: 差额裁决 -> 创建 Holding -> 多付退回买家余额 ->
// Escrow 状态转移 -> 用同一事务上下文回读 Holding (防御部分提交) -> Outbox。
// 任何一步失败则整体回滚。
func (e *Engine) SettlePayment(ctx context.Context, evt *model.WebhookEvent) (Outcome, error) {
	if monitor.Business != nil {
		timer := prometheus.NewTimer(monitor.Business.SettlementDuration.WithLabelValues("fund"))
		defer timer.ObserveDuration()
	}

	if !evt.ReceivedAmount.IsPositive() {
		return OutcomeError, ErrInvalidAmount
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow model.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, evt.ReferenceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if escrow.Currency != evt.Currency {
			return ErrCurrencyMismatch
		}

		// 已有 Holding => 这笔 Escrow 已经入账，幂等成功
		// (第一道防线是幂等账本，这里是事务内的第二道)
		var held int64
		if err := tx.Model(&model.EscrowHolding{}).Where("escrow_id = ?", escrow.ID).Count(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			return nil
		}

		if escrow.Status != model.EscrowStatusCreated && escrow.Status != model.EscrowStatusPaymentPending {
			return fmt.Errorf("%w: escrow %d status %s", ErrNotFundable, escrow.ID, escrow.Status)
		}

		// 自助窗口内的补缴: 之前的实收和本次合并后重新裁决
		received := evt.ReceivedAmount
		if escrow.PendingAmount.IsPositive() {
			received = received.Add(escrow.PendingAmount)
		}

		decision := resolver.Resolve(e.cfg.Tolerance, escrow.TotalAmount, received)
		ref := externalRef(evt)

		switch decision.Kind {
		case resolver.AutoAcceptFull, resolver.AutoAcceptPartial:
			return e.fundTx(tx, &escrow, decision, ref)
		case resolver.SelfService:
			return e.armSelfServiceTx(tx, &escrow, decision)
		default: // resolver.AutoRefund
			return e.autoRefundTx(tx, &escrow, received, ref)
		}
	})
	if err != nil {
		return Classify(err), err
	}
	return OutcomeSuccess, nil
}

// fundTx 按裁决结果入账: 创建 Holding、落流水、处理多付、转 ACTIVE
func (e *Engine) fundTx(tx *gorm.DB, escrow *model.Escrow, d resolver.Decision, ref string) error {
	holding := model.EscrowHolding{
		EscrowID:   escrow.ID,
		Currency:   escrow.Currency,
		AmountHeld: d.AcceptedAmount,
		Status:     model.HoldingStatusActive,
	}
	if err := tx.Create(&holding).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发对手已入账，幂等成功
			return nil
		}
		return err
	}

	// 托管入账流水 (审计用，不动买家余额: 资金来自外部渠道)
	ledger := model.LedgerTransaction{
		UserID:            escrow.BuyerID,
		EscrowID:          escrow.ID,
		Type:              model.LedgerTypeEscrowPayment,
		Amount:            d.AcceptedAmount,
		Currency:          escrow.Currency,
		Status:            model.LedgerStatusCompleted,
		ExternalReference: ref,
	}
	if err := tx.Create(&ledger).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	// 多付部分作为独立可审计效果退回买家余额，绝不静默吞掉
	if d.Overpayment.IsPositive() {
		if err := e.credit(tx, escrow.BuyerID, escrow.ID, model.LedgerTypeEscrowOverpayment, d.Overpayment, escrow.Currency, ref); err != nil && !errors.Is(err, errEffectExists) {
			return err
		}
	}

	// 清理自助窗口并转入 ACTIVE (CREATED 先过 PAYMENT_PENDING，都走转移表)
	if err := tx.Model(escrow).Updates(map[string]interface{}{
		"pending_amount":      decimal.Zero,
		"decision_expires_at": nil,
	}).Error; err != nil {
		return err
	}
	escrow.PendingAmount = decimal.Zero
	escrow.DecisionExpiresAt = nil

	if escrow.Status == model.EscrowStatusCreated {
		if err := transitionTo(tx, escrow, model.EscrowStatusPaymentPending); err != nil {
			return err
		}
	}
	if err := transitionTo(tx, escrow, model.EscrowStatusActive); err != nil {
		return err
	}

	// 可见性校验: 必须用创建它的同一个事务上下文回读，
	// 只防御静默的部分写入，不重复校验业务规则
	var check model.EscrowHolding
	if err := tx.Where("escrow_id = ? AND status = ?", escrow.ID, model.HoldingStatusActive).First(&check).Error; err != nil {
		return fmt.Errorf("funded holding not visible in transaction: %w", err)
	}

	return e.emit(tx, event.EscrowEffectEvent{
		Type:     event.TypeEscrowFunded,
		EscrowID: escrow.ID,
		UserID:   escrow.BuyerID,
		Amount:   d.AcceptedAmount.String(),
		Currency: escrow.Currency,
	})
}

// armSelfServiceTx 中度少付: 不入账，记下实收金额并打开决策窗口
func (e *Engine) armSelfServiceTx(tx *gorm.DB, escrow *model.Escrow, d resolver.Decision) error {
	deadline := time.Now().Add(e.cfg.DecisionWindow)

	if escrow.Status == model.EscrowStatusCreated {
		if err := transitionTo(tx, escrow, model.EscrowStatusPaymentPending); err != nil {
			return err
		}
	}

	if err := tx.Model(escrow).Updates(map[string]interface{}{
		"pending_amount":      d.Received,
		"decision_expires_at": deadline,
	}).Error; err != nil {
		return err
	}
	escrow.PendingAmount = d.Received
	escrow.DecisionExpiresAt = &deadline

	options := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		options = append(options, string(o))
	}
	return e.emit(tx, event.EscrowEffectEvent{
		Type:     event.TypeSelfServiceOffered,
		EscrowID: escrow.ID,
		UserID:   escrow.BuyerID,
		Amount:   d.Received.String(),
		Currency: escrow.Currency,
		Options:  options,
		Deadline: &deadline,
	})
}

// autoRefundTx 严重少付: 不入账，实收金额立即自动退回买家余额
func (e *Engine) autoRefundTx(tx *gorm.DB, escrow *model.Escrow, received decimal.Decimal, ref string) error {
	if err := e.credit(tx, escrow.BuyerID, escrow.ID, model.LedgerTypeEscrowRefund, received, escrow.Currency, ref); err != nil {
		if errors.Is(err, errEffectExists) {
			return nil
		}
		return err
	}

	if err := tx.Model(escrow).Updates(map[string]interface{}{
		"pending_amount":      decimal.Zero,
		"decision_expires_at": nil,
	}).Error; err != nil {
		return err
	}
	escrow.PendingAmount = decimal.Zero
	escrow.DecisionExpiresAt = nil

	if escrow.Status == model.EscrowStatusCreated {
		if err := transitionTo(tx, escrow, model.EscrowStatusPaymentPending); err != nil {
			return err
		}
	}
	if err := transitionTo(tx, escrow, model.EscrowStatusPaymentFailed); err != nil {
		return err
	}

	return e.emit(tx, event.EscrowEffectEvent{
		Type:     event.TypeEscrowRefunded,
		EscrowID: escrow.ID,
		UserID:   escrow.BuyerID,
		Amount:   received.String(),
		Currency: escrow.Currency,
	})
}

// Release 放款给卖家 (买家确认收货触发)，幂等
func (e *Engine) Release(ctx context.Context, escrowID uint64) error {
	if monitor.Business != nil {
		timer := prometheus.NewTimer(monitor.Business.SettlementDuration.WithLabelValues("release"))
		defer timer.ObserveDuration()
	}

	return e.settleHolding(ctx, escrowID, model.LedgerTypeEscrowRelease)
}

// Refund 退款给买家 (争议裁定触发)，Release 的镜像
func (e *Engine) Refund(ctx context.Context, escrowID uint64) error {
	if monitor.Business != nil {
		timer := prometheus.NewTimer(monitor.Business.SettlementDuration.WithLabelValues("refund"))
		defer timer.ObserveDuration()
	}

	return e.settleHolding(ctx, escrowID, model.LedgerTypeEscrowRefund)
}

// settleHolding 放款/退款共用的事务核心
// 1. 幂等检查: 已有完成流水则视为成功，仅补齐滞后的 Escrow 状态
// 2. 对 Holding 行加事务级排他锁，串行化同一 Escrow 的所有结算尝试
// 3. 余额入账 + 流水 + Holding 转移 + Escrow 转移，同一事务
func (e *Engine) settleHolding(ctx context.Context, escrowID uint64, ledgerType string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		done, err := e.alreadySettled(tx, escrowID, ledgerType)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		var holding model.EscrowHolding
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("escrow_id = ?", escrowID).First(&holding).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHoldingNotFound
			}
			return err
		}
		if holding.Status != model.HoldingStatusActive {
			// 锁竞争的败方: 赢方提交后才拿到锁，重查流水确认对方已完成
			done, err := e.alreadySettled(tx, escrowID, ledgerType)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			return ErrHoldingNotActive
		}

		var escrow model.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}

		var (
			beneficiary uint64
			holdingNext string
			escrowNext  string
			effectType  string
		)
		if ledgerType == model.LedgerTypeEscrowRelease {
			beneficiary = escrow.SellerID
			holdingNext = model.HoldingStatusReleased
			escrowNext = model.EscrowStatusCompleted
			effectType = event.TypeEscrowReleased
		} else {
			beneficiary = escrow.BuyerID
			holdingNext = model.HoldingStatusRefunded
			escrowNext = model.EscrowStatusRefunded
			effectType = event.TypeEscrowRefunded
		}

		ref := "escrow-" + strconv.FormatUint(escrowID, 10)
		if err := e.credit(tx, beneficiary, escrowID, ledgerType, holding.AmountHeld, holding.Currency, ref); err != nil {
			if errors.Is(err, errEffectExists) {
				return nil
			}
			return err
		}

		now := time.Now()
		if err := tx.Model(&holding).Updates(map[string]interface{}{
			"status":      holdingNext,
			"released_at": now,
		}).Error; err != nil {
			return err
		}

		if err := transitionTo(tx, &escrow, escrowNext); err != nil {
			return err
		}

		return e.emit(tx, event.EscrowEffectEvent{
			Type:     effectType,
			EscrowID: escrowID,
			UserID:   beneficiary,
			Amount:   holding.AmountHeld.String(),
			Currency: holding.Currency,
		})
	})
}

// alreadySettled 幂等检查: 该 Escrow 是否已有完成的放款/退款流水
// 有则把滞后的 Escrow 状态补到终态
func (e *Engine) alreadySettled(tx *gorm.DB, escrowID uint64, ledgerType string) (bool, error) {
	var prior model.LedgerTransaction
	err := tx.Where("escrow_id = ? AND type = ? AND status = ?",
		escrowID, ledgerType, model.LedgerStatusCompleted).First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	target := model.EscrowStatusCompleted
	if ledgerType == model.LedgerTypeEscrowRefund {
		target = model.EscrowStatusRefunded
	}
	var escrow model.Escrow
	if err := tx.First(&escrow, escrowID).Error; err != nil {
		return false, err
	}
	if escrow.Status != target && CanTransition(escrow.Status, target) {
		if err := transitionTo(tx, &escrow, target); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Dispute 买家发起争议: ACTIVE -> DISPUTED，不动资金
func (e *Engine) Dispute(ctx context.Context, escrowID uint64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow model.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if err := transitionTo(tx, &escrow, model.EscrowStatusDisputed); err != nil {
			return err
		}
		return e.emit(tx, event.EscrowEffectEvent{
			Type:     event.TypeEscrowDisputed,
			EscrowID: escrowID,
			UserID:   escrow.SellerID,
			Amount:   escrow.TotalAmount.String(),
			Currency: escrow.Currency,
		})
	})
}

// Cancel 取消一笔尚未入账的交易 (pre-ACTIVE)
// 若自助窗口中有实收金额，一并退回买家余额
func (e *Engine) Cancel(ctx context.Context, escrowID uint64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow model.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if escrow.PendingAmount.IsPositive() {
			return e.consumeDecision(tx, &escrow, model.EscrowStatusCancelled, "decision:cancel")
		}
		return transitionTo(tx, &escrow, model.EscrowStatusCancelled)
	})
}

// credit 余额入账 = 插入流水 + 更新余额列，同一事务
// 先落流水: 唯一约束命中说明效果已应用过，余额绝不能再加一次
func (e *Engine) credit(tx *gorm.DB, userID, escrowID uint64, ledgerType string, amount decimal.Decimal, currency, ref string) error {
	ledger := model.LedgerTransaction{
		UserID:            userID,
		EscrowID:          escrowID,
		Type:              ledgerType,
		Amount:            amount,
		Currency:          currency,
		Status:            model.LedgerStatusCompleted,
		ExternalReference: ref,
	}
	if err := tx.Create(&ledger).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errEffectExists
		}
		return err
	}

	res := tx.Model(&model.Account{}).
		Where("user_id = ? AND currency = ?", userID, currency).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 账户首笔入账
		account := model.Account{UserID: userID, Currency: currency, Balance: amount}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
	}

	// [Metric] 仅用于监控展示，资金计算永不经过 float
	if monitor.Business != nil {
		amountFloat, _ := amount.Float64()
		monitor.Business.SettledAmountTotal.WithLabelValues(currency, ledgerType).Add(amountFloat)
	}

	return nil
}

// emit 结算效果写入 Outbox，由 Relay 在提交后异步投递
// 通知失败绝不回滚资金效果
func (e *Engine) emit(tx *gorm.DB, evt event.EscrowEffectEvent) error {
	return model.CreateOutboxMessage(tx, e.cfg.EffectTopic, strconv.FormatUint(evt.EscrowID, 10), evt)
}

// GetEscrow 按 ID 查询托管 (只读)
func (e *Engine) GetEscrow(ctx context.Context, escrowID uint64) (*model.Escrow, error) {
	var escrow model.Escrow
	err := e.db.WithContext(ctx).First(&escrow, escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &escrow, nil
}
