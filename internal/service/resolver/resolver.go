// Package resolver 负责支付差额裁决: 给定应付金额和实收金额，
// 纯函数地判定自动全额接受 / 自动部分接受 / 买家自助决策 / 自动退款。
// 本包绝不接触任何存储，只做分类。
package resolver

import (
	"github.com/shopspring/decimal"
)

// Kind 裁决结果类型
type Kind string

const (
	AutoAcceptFull    Kind = "AUTO_ACCEPT_FULL"    // received >= expected
	AutoAcceptPartial Kind = "AUTO_ACCEPT_PARTIAL" // 容忍范围内的少付
	SelfService       Kind = "SELF_SERVICE"        // 中度少付，买家三选一
	AutoRefund        Kind = "AUTO_REFUND"         // 严重少付，直接退款
)

// Option 自助决策的三个互斥选项，只能消费一次
type Option string

const (
	OptionTopUp   Option = "top_up"  // 在窗口期内补齐差额
	OptionProceed Option = "proceed" // 按实收金额继续
	OptionCancel  Option = "cancel"  // 取消并全额退回实收金额
)

// SelfServiceOptions 固定的三个选项，顺序即展示顺序
var SelfServiceOptions = []Option{OptionTopUp, OptionProceed, OptionCancel}

// Config 差额容忍参数，由调用方注入而不是读全局配置，方便测试逐例调整
type Config struct {
	ToleranceRate decimal.Decimal // 容忍比例，例如 0.03
	MinTolerance  decimal.Decimal // 容忍的绝对下限，零值表示不启用
}

// Decision 裁决结果 (临时值对象，不落库)
type Decision struct {
	Kind     Kind
	Expected decimal.Decimal
	Received decimal.Decimal
	Variance decimal.Decimal // received - expected，少付时为负

	// AcceptedAmount 本次托管的入账金额; SELF_SERVICE / AUTO_REFUND 时为零
	AcceptedAmount decimal.Decimal
	// Overpayment 多付部分，作为独立流水退回买家余额，绝不静默吞掉
	Overpayment decimal.Decimal
	// Shortfall 少付部分，记录但不追收
	Shortfall decimal.Decimal

	Options []Option // 仅 SELF_SERVICE 填充
}

// Resolve 对 (expected, received) 进行裁决，二者必须是同币种的正数
//
// 边界闭开规则: 命中边界值时倾向接受，即 received == minAccept 仍算
// AUTO_ACCEPT_PARTIAL, received == selfServiceFloor 仍算 SELF_SERVICE。
func Resolve(cfg Config, expected, received decimal.Decimal) Decision {
	d := Decision{
		Expected: expected,
		Received: received,
		Variance: received.Sub(expected),
	}

	// tol = expected * rate，不低于绝对下限
	tol := expected.Mul(cfg.ToleranceRate)
	if cfg.MinTolerance.IsPositive() && tol.LessThan(cfg.MinTolerance) {
		tol = cfg.MinTolerance
	}

	minAccept := expected.Sub(tol)
	selfServiceFloor := minAccept.Sub(tol.Mul(decimal.NewFromInt(2)))

	switch {
	case received.GreaterThanOrEqual(expected):
		d.Kind = AutoAcceptFull
		d.AcceptedAmount = expected
		d.Overpayment = received.Sub(expected)

	case received.GreaterThanOrEqual(minAccept):
		d.Kind = AutoAcceptPartial
		d.AcceptedAmount = received
		d.Shortfall = expected.Sub(received)

	case received.GreaterThanOrEqual(selfServiceFloor):
		d.Kind = SelfService
		d.Shortfall = expected.Sub(received)
		d.Options = SelfServiceOptions

	default:
		d.Kind = AutoRefund
	}

	return d
}
