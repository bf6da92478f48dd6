package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock 跨实例互斥
// 分发循环靠它保证同一个外部事件全集群只处理一次，
// 定时清扫靠它保证多实例部署下任务只跑一份
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识 (如 "webhook:stripe:evt_123")
	// ttl: 锁的过期时间，持锁方崩溃后到期自动释放
	// 返回: (是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁
	Release(ctx context.Context, key string) error
}

// lockPrefix 所有锁键统一挂在本服务的命名空间下
const lockPrefix = "escrow:lock:"

// RedisLock 基于 Redis SETNX 的实现
// 事件处理本身幂等 (幂等账本 + 流水唯一约束兜底)，锁只是挡住
// 无谓的并发结算尝试，TTL 过期后的锁丢失不会造成重复记账
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SET key value NX EX ttl
	// value 可以是随机字符串或机器ID，用于释放时校验归属 (这里简化暂不校验)
	success, err := l.client.SetNX(ctx, lockPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	// 直接删除 Key
	// 生产环境严谨做法: 需要 Lua 脚本检查 Value 是否属于自己再删除
	return l.client.Del(ctx, lockPrefix+key).Err()
}
