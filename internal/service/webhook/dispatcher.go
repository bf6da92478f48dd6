package webhook

import (
	"context"
	"fmt"
	"log"
	"time"

	"escrow-core/internal/model"
	"escrow-core/internal/service/settlement"
	"escrow-core/pkg/monitor"
	"escrow-core/pkg/utils/lock"
)

// Settler 结算入口，Dispatcher 只认结果码
type Settler interface {
	SettlePayment(ctx context.Context, evt *model.WebhookEvent) (settlement.Outcome, error)
}

type Config struct {
	Workers           int
	PollInterval      time.Duration
	ClaimBatch        int
	ProcessingTimeout time.Duration // 超过该时长的 PROCESSING 视为僵死
	LockTTL           time.Duration
	Policy            RetryPolicy
}

// Dispatcher 分发循环: 领取到期事件 -> worker 池结算 -> 按结果码落状态
// 双重防线: Redis 分布式锁挡住多实例并发，事件行 CAS 挡住单实例内并发
type Dispatcher struct {
	store    Store
	settler  Settler
	distLock lock.DistributedLock
	cfg      Config
	events   chan model.WebhookEvent
}

func NewDispatcher(store Store, settler Settler, distLock lock.DistributedLock, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	return &Dispatcher{
		store:    store,
		settler:  settler,
		distLock: distLock,
		cfg:      cfg,
		events:   make(chan model.WebhookEvent, cfg.ClaimBatch),
	}
}

// HandleIncoming 传输层入口: 记录事件并立即返回，结算由分发循环异步完成
// 返回的 isNew=false 表示重复投递，调用方照样回 2xx (让 provider 别再重发)
func (d *Dispatcher) HandleIncoming(ctx context.Context, in *IncomingEvent) (*model.WebhookEvent, bool, error) {
	entry, isNew, err := d.store.RecordOrFetch(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if !isNew {
		log.Printf("[Dispatcher] Duplicate delivery ignored: %s/%s (entry %d, status %s)",
			in.Provider, in.ExternalEventID, entry.ID, entry.Status)
	}
	return entry, isNew, nil
}

// Start 启动 worker 池和领取循环，ctx 取消后停机
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[Dispatcher] Starting: workers=%d poll=%s batch=%d",
		d.cfg.Workers, d.cfg.PollInterval, d.cfg.ClaimBatch)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker(ctx, i)
	}
	go d.pollLoop(ctx)
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[Dispatcher] Poll loop stopped")
			return
		case <-ticker.C:
			claimed, err := d.store.ClaimDue(ctx, d.cfg.ClaimBatch, time.Now())
			if err != nil {
				log.Printf("[Dispatcher] Claim failed: %v", err)
				continue
			}
			for _, evt := range claimed {
				select {
				case d.events <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-d.events:
			d.processOne(ctx, &evt)
		}
	}
}

// processOne 处理单条已领取 (PROCESSING) 的事件
func (d *Dispatcher) processOne(ctx context.Context, evt *model.WebhookEvent) {
	// 1. 分布式锁: 同一外部事件跨实例只跑一个
	lockKey := fmt.Sprintf("webhook:%s:%s", evt.Provider, evt.ExternalEventID)
	locked, err := d.distLock.Acquire(ctx, lockKey, d.cfg.LockTTL)
	if err != nil {
		// Redis 故障按临时错误走退避，不丢事件
		d.finish(ctx, evt, settlement.OutcomeRetry, err)
		return
	}
	if !locked {
		d.finish(ctx, evt, settlement.OutcomeAlreadyProcessing, nil)
		return
	}
	defer func() {
		if err := d.distLock.Release(context.Background(), lockKey); err != nil {
			log.Printf("[Dispatcher] Release lock %s failed: %v", lockKey, err)
		}
	}()

	// 2. 结算
	outcome, err := d.settler.SettlePayment(ctx, evt)
	d.finish(ctx, evt, outcome, err)
}

// finish 按结果码落队列状态，这是结果码唯一的消费点
func (d *Dispatcher) finish(ctx context.Context, evt *model.WebhookEvent, outcome settlement.Outcome, cause error) {
	if monitor.Business != nil {
		monitor.Business.WebhookProcessedTotal.WithLabelValues(evt.Provider, string(outcome)).Inc()
	}

	var err error
	switch outcome {
	case settlement.OutcomeSuccess:
		err = d.store.MarkCompleted(ctx, evt.ID)
	case settlement.OutcomeAlreadyProcessing:
		// 成功的去重，不是重试对象
		log.Printf("[Dispatcher] Event %d already processing elsewhere, marked completed", evt.ID)
		err = d.store.MarkCompleted(ctx, evt.ID)
	case settlement.OutcomeRetry:
		if d.cfg.Policy.Exhausted(evt.RetryCount) {
			log.Printf("[Dispatcher] Event %d retries exhausted (%d), moving to FAILED", evt.ID, evt.RetryCount)
			err = d.store.MarkFailed(ctx, evt.ID, fmt.Sprintf("retries exhausted: %v", cause))
			break
		}
		delay := d.cfg.Policy.NextDelay(evt.RetryCount)
		err = d.store.Reschedule(ctx, evt.ID, evt.RetryCount+1, time.Now().Add(delay), fmt.Sprintf("%v", cause))
		if err == nil && monitor.Business != nil {
			monitor.Business.RetryScheduledTotal.Inc()
		}
		log.Printf("[Dispatcher] Event %d rescheduled in %s (attempt %d): %v", evt.ID, delay, evt.RetryCount+1, cause)
	default:
		log.Printf("[Dispatcher] Event %d failed terminally: %v", evt.ID, cause)
		err = d.store.MarkFailed(ctx, evt.ID, fmt.Sprintf("%v", cause))
	}
	if err != nil {
		// 状态落库失败: 事件留在 PROCESSING，由僵死回收兜底
		log.Printf("[Dispatcher] Update event %d after outcome %s failed: %v", evt.ID, outcome, err)
	}
}

// ReapStale 回收僵死事件，由定时任务调用
func (d *Dispatcher) ReapStale(ctx context.Context) (int64, error) {
	n, err := d.store.ReapStale(ctx, time.Now().Add(-d.cfg.ProcessingTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Dispatcher] Reaped %d stale PROCESSING events", n)
		if monitor.Business != nil {
			monitor.Business.StaleClaimsReaped.Add(float64(n))
		}
	}
	return n, nil
}
