package settlement

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Outcome 一次结算尝试的显式结果码
// Dispatch Loop 只根据它决定队列动作，绝不靠错误文案猜测可重试性
type Outcome string

const (
	// OutcomeSuccess 效果已应用 (或早已应用) => COMPLETED
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyProcessing 另一个 worker 正持有该事件的锁
	// => COMPLETED (这是一次成功的去重，绝不是重试对象)
	OutcomeAlreadyProcessing Outcome = "already_processing"
	// OutcomeRetry 临时性故障 (锁竞争、下游超时) => 退避后重试
	OutcomeRetry Outcome = "retry"
	// OutcomeError 非临时性失败 (校验、未知引用) => 立即 FAILED，不重试
	OutcomeError Outcome = "error"
)

// ErrAlreadyProcessing 事件正在被其他 worker 处理
var ErrAlreadyProcessing = errors.New("event is already being processed")

// Classify 把错误归入结果码
// 未分类的失败一律按终态处理 (fail closed)，避免重试风暴
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrAlreadyProcessing):
		return OutcomeAlreadyProcessing
	case isTransient(err):
		return OutcomeRetry
	default:
		return OutcomeError
	}
}

// isTransient 按 SQLSTATE 显式判定，不做字符串匹配
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (语句超时)
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
