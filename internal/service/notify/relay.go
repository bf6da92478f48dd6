// Package notify 把结算产生的效果事件投递给下游 (通知服务、对账、风控)。
package notify

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"escrow-core/internal/model"
	"escrow-core/internal/service/mq"
)

// Relay 把本地消息表 (Transactional Outbox) 的消息搬运到 MQ
// 效果事件与结算数据同事务落库，这里异步外发，保证 At-least-once
type Relay struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
	batch    int
}

func NewRelay(db *gorm.DB, producer mq.Producer) *Relay {
	return &Relay{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond,
		batch:    50,
	}
}

func (r *Relay) Start(ctx context.Context) {
	log.Println("[Relay] 启动效果事件中继...")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Relay] 停止服务")
			return
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) {
	var messages []model.OutboxMessage
	if err := r.db.Where("status = ?", "PENDING").Order("id").Limit(r.batch).Find(&messages).Error; err != nil {
		log.Printf("[Relay] 查询消息失败: %v", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	for _, msg := range messages {
		// Key 是 EscrowID，同一笔托管的事件落同一分区保持有序
		if err := r.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			log.Printf("[Relay] 发送消息 ID=%d 失败: %v", msg.ID, err)
			continue
		}

		// 发送成功才更新状态 => At-least-once，下游消费需幂等
		if err := r.db.Model(&msg).Update("status", "SENT").Error; err != nil {
			log.Printf("[Relay] 更新状态 ID=%d 失败: %v", msg.ID, err)
		}
	}
}
