package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	WebhookProcessedTotal *prometheus.CounterVec   // 按 provider / outcome 统计处理结果
	RetryScheduledTotal   prometheus.Counter       // 退避重试调度次数
	SettlementDuration    *prometheus.HistogramVec // 结算耗时，按类型 (fund/release/refund)
	SettledAmountTotal    *prometheus.CounterVec   // 结算金额，按 currency / type
	SelfServicePending    prometheus.Gauge         // 等待买家决策的 escrow 数量
	StaleClaimsReaped     prometheus.Counter       // 回收的僵死 PROCESSING 事件数
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		WebhookProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_webhook_processed_total",
			Help: "The total number of processed webhook events by outcome",
		}, []string{"provider", "outcome"}),
		RetryScheduledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_webhook_retry_scheduled_total",
			Help: "The total number of webhook retries scheduled",
		}),
		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_settlement_duration_seconds",
			Help:    "Duration of settlement transactions",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		SettledAmountTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settled_amount_total",
			Help: "The total settled amount",
		}, []string{"currency", "type"}),
		SelfServicePending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_self_service_pending",
			Help: "Escrows currently waiting for a buyer decision",
		}),
		StaleClaimsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_webhook_stale_claims_reaped_total",
			Help: "Webhook events returned to the retry queue after a worker crash",
		}),
	}
}
