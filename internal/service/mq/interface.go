package mq

import "context"

// Message 一条通用业务消息
type Message struct {
	ID       string            // 消息ID (例如 Redis Stream ID)
	Topic    string            // 主题 (例如 "escrow_effects")
	Key      string            // 分区键 (EscrowID)，保证同一笔托管的事件有序
	Payload  []byte            // 消息体 (JSON)
	Metadata map[string]string // 元数据
}

// Producer 生产者接口，Outbox Relay 只依赖它
type Producer interface {
	// Publish 发送消息
	// key: 分区键，同一 key 的消息落同一分区保证有序; 传空字符串则随机分区
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// Consumer 消费者接口
// Subscribe 启动后台消费循环后立即返回，循环随 ctx 取消退出;
// handler 返回 error 时不提交位点，消息会被重新投递，
// 下游 (幂等账本) 必须能吞掉重复投递
type Consumer interface {
	Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error
	Close() error
}
