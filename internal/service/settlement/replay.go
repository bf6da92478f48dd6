package settlement

import (
	"context"

	"escrow-core/internal/model"
)

// ReconstructHoldingStatus 仅凭流水重放推导 Holding 的最终状态 (审计/对账用)
// 流水是只插入的，所以重放结果是确定性的:
//   - 无 escrow_payment 流水 => 从未入账，返回空串
//   - 有 payment + release   => RELEASED
//   - 有 payment + refund    => REFUNDED
//   - 只有 payment           => ACTIVE
func (e *Engine) ReconstructHoldingStatus(ctx context.Context, escrowID uint64) (string, error) {
	var rows []model.LedgerTransaction
	err := e.db.WithContext(ctx).
		Where("escrow_id = ? AND status = ?", escrowID, model.LedgerStatusCompleted).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return "", err
	}

	status := ""
	for _, row := range rows {
		switch row.Type {
		case model.LedgerTypeEscrowPayment:
			status = model.HoldingStatusActive
		case model.LedgerTypeEscrowRelease:
			if status == model.HoldingStatusActive {
				status = model.HoldingStatusReleased
			}
		case model.LedgerTypeEscrowRefund:
			if status == model.HoldingStatusActive {
				status = model.HoldingStatusRefunded
			}
		}
	}
	return status, nil
}
