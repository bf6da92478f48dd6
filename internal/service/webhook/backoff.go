package webhook

import "time"

// RetryPolicy 指数退避: delay = min(BaseDelay << retryCount, MaxDelay)
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Minute,
		MaxDelay:   time.Hour,
		MaxRetries: 4,
	}
}

// NextDelay 计算第 retryCount 次失败后的等待时长
// 逐次翻倍并在 MaxDelay 封顶，避免大 retryCount 下的移位溢出
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted retryCount 次重试后是否放弃
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
