package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrow-core/internal/event"
	"escrow-core/internal/model"
	"escrow-core/internal/service/resolver"
	"escrow-core/pkg/logger"

	"go.uber.org/zap"
)

// 自助决策的三个选项互斥，只能消费一次: 行级排他锁 + 消费后立即清空
// 决策字段，先提交者获胜。补缴 (top_up) 不在这里处理 —— 它表现为一笔新的
// Webhook 支付，由 SettlePayment 合并 PendingAmount 后重新裁决。

// ProceedAtReceived 选项二: 按实收金额继续，托管按 PendingAmount 入账
func (e *Engine) ProceedAtReceived(ctx context.Context, escrowID uint64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		escrow, err := e.lockArmedEscrow(tx, escrowID)
		if err != nil {
			return err
		}

		d := resolver.Decision{
			Kind:           resolver.AutoAcceptPartial,
			Expected:       escrow.TotalAmount,
			Received:       escrow.PendingAmount,
			Variance:       escrow.PendingAmount.Sub(escrow.TotalAmount),
			AcceptedAmount: escrow.PendingAmount,
			Shortfall:      escrow.TotalAmount.Sub(escrow.PendingAmount),
		}
		return e.fundTx(tx, escrow, d, "decision:proceed")
	})
}

// CancelShortPayment 选项三: 取消交易，实收金额全额退回买家余额
func (e *Engine) CancelShortPayment(ctx context.Context, escrowID uint64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		escrow, err := e.lockArmedEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		return e.consumeDecision(tx, escrow, model.EscrowStatusCancelled, "decision:cancel")
	})
}

// ExpireDecisionWindows 定时清扫: 窗口到期的交易按默认处置 (退款) 处理一次
// 幂等由流水唯一约束和清空决策字段双重兜底
func (e *Engine) ExpireDecisionWindows(ctx context.Context) (int, error) {
	var ids []uint64
	err := e.db.WithContext(ctx).Model(&model.Escrow{}).
		Where("status = ? AND pending_amount > 0 AND decision_expires_at < ?",
			model.EscrowStatusPaymentPending, time.Now()).
		Limit(100).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var escrow model.Escrow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, id).Error; err != nil {
				return err
			}
			// 拿到锁后复查: 买家可能赶在扫描和加锁之间完成了决策
			if !escrow.PendingAmount.IsPositive() || escrow.DecisionExpiresAt == nil ||
				escrow.DecisionExpiresAt.After(time.Now()) {
				return nil
			}
			return e.consumeDecision(tx, &escrow, model.EscrowStatusExpired, "decision:expired")
		})
		if err != nil {
			logger.Error("决策窗口过期处理失败", zap.Uint64("escrow_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// lockArmedEscrow 锁定交易并校验决策窗口仍然有效
func (e *Engine) lockArmedEscrow(tx *gorm.DB, escrowID uint64) (*model.Escrow, error) {
	var escrow model.Escrow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	if !escrow.PendingAmount.IsPositive() || escrow.DecisionExpiresAt == nil {
		return nil, ErrDecisionNotArmed
	}
	if escrow.DecisionExpiresAt.Before(time.Now()) {
		// 窗口已过，交给清扫任务按默认处置退款
		return nil, ErrDecisionWindowClosed
	}
	return &escrow, nil
}

// consumeDecision 消费决策: 退回实收金额、清空决策字段、转入目标终态
func (e *Engine) consumeDecision(tx *gorm.DB, escrow *model.Escrow, target, ref string) error {
	refunded := escrow.PendingAmount

	if err := e.credit(tx, escrow.BuyerID, escrow.ID, model.LedgerTypeEscrowRefund, refunded, escrow.Currency, ref); err != nil {
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

	if err := transitionTo(tx, escrow, target); err != nil {
		return err
	}

	return e.emit(tx, event.EscrowEffectEvent{
		Type:     event.TypeEscrowRefunded,
		EscrowID: escrow.ID,
		UserID:   escrow.BuyerID,
		Amount:   refunded.String(),
		Currency: escrow.Currency,
	})
}

// CountAwaitingDecision 当前处于决策窗口内的托管数，监控用
func (e *Engine) CountAwaitingDecision(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&model.Escrow{}).
		Where("status = ? AND pending_amount > 0", model.EscrowStatusPaymentPending).
		Count(&n).Error
	return n, err
}
