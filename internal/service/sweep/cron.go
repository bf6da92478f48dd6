// Package sweep 定时清扫任务: 决策窗口超时处置、僵死事件回收。
package sweep

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"escrow-core/internal/service/settlement"
	"escrow-core/internal/service/webhook"
	"escrow-core/pkg/logger"
	"escrow-core/pkg/monitor"
	"escrow-core/pkg/utils/lock"
)

type CronService struct {
	cron       *cron.Cron
	engine     *settlement.Engine
	dispatcher *webhook.Dispatcher
	locker     lock.DistributedLock
}

func NewCronService(rdb *redis.Client, engine *settlement.Engine, dispatcher *webhook.Dispatcher) *CronService {
	return &CronService{
		cron:       cron.New(),
		engine:     engine,
		dispatcher: dispatcher,
		locker:     lock.NewRedisLock(rdb),
	}
}

func (s *CronService) Start() {
	// 注册任务
	_, _ = s.cron.AddFunc("@every 1m", s.ExpireDecisionWindows) // 决策窗口超时 -> 默认退款
	_, _ = s.cron.AddFunc("@every 5m", s.ReapStaleClaims)       // 回收 worker 崩溃留下的 PROCESSING

	s.cron.Start()
	logger.Info("Cron Service started")
}

func (s *CronService) Stop() {
	s.cron.Stop()
	logger.Info("Cron Service stopped")
}

// ExpireDecisionWindows 处置超时未决策的托管
func (s *CronService) ExpireDecisionWindows() {
	ctx := context.Background()
	lockKey := "cron:expire_decisions"

	// 分布式锁防止多实例同时执行 (处置本身也幂等，锁只是省无谓的锁竞争)
	locked, err := s.locker.Acquire(ctx, lockKey, 30*time.Second)
	if err != nil || !locked {
		logger.Debug("ExpireDecisionWindows: 获取锁失败或已有实例在运行")
		return
	}
	defer s.locker.Release(ctx, lockKey)

	n, err := s.engine.ExpireDecisionWindows(ctx)
	if err != nil {
		logger.Error("决策窗口清扫失败", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("决策窗口超时处置完成", zap.Int("expired", n))
	}

	if pending, err := s.engine.CountAwaitingDecision(ctx); err == nil && monitor.Business != nil {
		monitor.Business.SelfServicePending.Set(float64(pending))
	}
}

// ReapStaleClaims 把僵死的 PROCESSING 事件放回重试队列
func (s *CronService) ReapStaleClaims() {
	ctx := context.Background()
	lockKey := "cron:reap_stale"

	locked, err := s.locker.Acquire(ctx, lockKey, 30*time.Second)
	if err != nil || !locked {
		logger.Debug("ReapStaleClaims: 获取锁失败或已有实例在运行")
		return
	}
	defer s.locker.Release(ctx, lockKey)

	if _, err := s.dispatcher.ReapStale(ctx); err != nil {
		logger.Error("僵死事件回收失败", zap.Error(err))
	}
}
