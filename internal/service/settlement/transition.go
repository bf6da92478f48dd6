package settlement

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"escrow-core/internal/model"
)

// ErrIllegalTransition 不在转移图上的状态变更，属于业务规则违规，终态失败不重试
var ErrIllegalTransition = errors.New("illegal escrow status transition")

// transitions Escrow 状态转移表
// 任何资金变更前先查表，不靠"没报错"来推断合法性
var transitions = map[string][]string{
	model.EscrowStatusCreated: {
		model.EscrowStatusPaymentPending,
		model.EscrowStatusCancelled,
	},
	model.EscrowStatusPaymentPending: {
		model.EscrowStatusPaymentConfirmed,
		model.EscrowStatusPaymentFailed,
		model.EscrowStatusActive,
		model.EscrowStatusExpired,
		model.EscrowStatusCancelled,
	},
	model.EscrowStatusPaymentConfirmed: {
		model.EscrowStatusActive,
		model.EscrowStatusCancelled,
	},
	model.EscrowStatusPaymentFailed: {
		model.EscrowStatusCancelled,
	},
	model.EscrowStatusActive: {
		model.EscrowStatusCompleted,
		model.EscrowStatusDisputed,
	},
	model.EscrowStatusDisputed: {
		model.EscrowStatusCompleted,
		model.EscrowStatusRefunded,
	},
	// COMPLETED / REFUNDED / CANCELLED / EXPIRED 为终态
}

// CanTransition 判断 from -> to 是否在转移图上
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionTo 先查转移表再更新状态，非法转移直接拒绝且不触碰任何数据
func transitionTo(tx *gorm.DB, escrow *model.Escrow, to string) error {
	if !CanTransition(escrow.Status, to) {
		return fmt.Errorf("%w: %s -> %s (escrow %d)", ErrIllegalTransition, escrow.Status, to, escrow.ID)
	}
	if err := tx.Model(escrow).Update("status", to).Error; err != nil {
		return err
	}
	escrow.Status = to
	return nil
}
