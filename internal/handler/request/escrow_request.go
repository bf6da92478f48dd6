package request

import "github.com/shopspring/decimal"

type CreateEscrowRequest struct {
	BuyerID  uint64          `json:"buyer_id" binding:"required"`
	SellerID uint64          `json:"seller_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Fee      decimal.Decimal `json:"fee"`
	Currency string          `json:"currency" binding:"required"`
}

// DecisionRequest 买家对短付托管的自助决策
// option: proceed (按实收放行) / cancel (取消退款)
// 补差价 (top_up) 不走这个接口，追加支付会以新的 webhook 事件进来
type DecisionRequest struct {
	Option string `json:"option" binding:"required,oneof=proceed cancel"`
}
