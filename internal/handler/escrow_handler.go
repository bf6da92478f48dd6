package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"escrow-core/internal/handler/request"
	"escrow-core/internal/handler/response"
	"escrow-core/internal/service/settlement"
	"escrow-core/pkg/errno"
	"escrow-core/pkg/validator"
)

type EscrowHandler struct {
	engine *settlement.Engine
}

func NewEscrowHandler(engine *settlement.Engine) *EscrowHandler {
	return &EscrowHandler{engine: engine}
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind.WithMessage("invalid escrow id"))
		return 0, false
	}
	return id, true
}

// decodeSettlementError 把领域错误翻成业务错误码
func decodeSettlementError(err error) error {
	switch {
	case errors.Is(err, settlement.ErrEscrowNotFound),
		errors.Is(err, settlement.ErrHoldingNotFound):
		return errno.ErrEscrowNotFound
	case errors.Is(err, settlement.ErrIllegalTransition),
		errors.Is(err, settlement.ErrNotFundable):
		return errno.ErrIllegalTransition
	case errors.Is(err, settlement.ErrHoldingNotActive):
		return errno.ErrHoldingNotActive
	case errors.Is(err, settlement.ErrDecisionNotArmed),
		errors.Is(err, settlement.ErrDecisionWindowClosed):
		return errno.ErrDecisionConsumed
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrCurrencyMismatch):
		return errno.ErrBind.WithMessage(err.Error())
	default:
		return errno.ErrDatabase
	}
}

// CreateEscrow 创建托管交易
func (h *EscrowHandler) CreateEscrow(c *gin.Context) {
	// 1. 绑定参数
	var req request.CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	// 2. 调用 Service
	escrow, err := h.engine.CreateEscrow(c.Request.Context(), req.BuyerID, req.SellerID, req.Amount, req.Fee, req.Currency)
	if err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}

	response.Success(c, escrow)
}

// GetEscrow 查询托管详情
func (h *EscrowHandler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	escrow, err := h.engine.GetEscrow(c.Request.Context(), id)
	if err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, escrow)
}

// Release 向卖家放款 (幂等: 已放款的重复调用返回成功)
func (h *EscrowHandler) Release(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	if err := h.engine.Release(c.Request.Context(), id); err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, nil)
}

// Refund 争议裁定后向买家退款 (幂等)
func (h *EscrowHandler) Refund(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	if err := h.engine.Refund(c.Request.Context(), id); err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, nil)
}

// Dispute 把进行中的托管转入争议
func (h *EscrowHandler) Dispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	if err := h.engine.Dispute(c.Request.Context(), id); err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, nil)
}

// Cancel 取消未放款的托管
func (h *EscrowHandler) Cancel(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	if err := h.engine.Cancel(c.Request.Context(), id); err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, nil)
}

// Decide 买家对短付托管做出自助决策
func (h *EscrowHandler) Decide(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req request.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	var err error
	switch req.Option {
	case "proceed":
		err = h.engine.ProceedAtReceived(c.Request.Context(), id)
	case "cancel":
		err = h.engine.CancelShortPayment(c.Request.Context(), id)
	}
	if err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, nil)
}

// AuditHolding 用流水重放托管的持有状态，和当前状态对照 (审计用)
func (h *EscrowHandler) AuditHolding(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	status, err := h.engine.ReconstructHoldingStatus(c.Request.Context(), id)
	if err != nil {
		response.Error(c, decodeSettlementError(err))
		return
	}
	response.Success(c, gin.H{"replayed_status": status})
}
