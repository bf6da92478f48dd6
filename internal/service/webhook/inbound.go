package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"escrow-core/internal/service/mq"
)

// inboundPayload MQ 进线的规范化事件载荷，字段和 HTTP 入口对齐
type inboundPayload struct {
	Provider    string          `json:"provider"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	ReferenceID uint64          `json:"reference_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// InboundConsumer 把 MQ 上的入站事件落进幂等账本
// 失败返回 error 让 MQ 重新投递，RecordOrFetch 保证重放安全
type InboundConsumer struct {
	dispatcher *Dispatcher
}

func NewInboundConsumer(dispatcher *Dispatcher) *InboundConsumer {
	return &InboundConsumer{dispatcher: dispatcher}
}

func (c *InboundConsumer) Handle(msg *mq.Message) error {
	var p inboundPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		// 格式坏的消息重投也救不回来，记日志后吞掉
		log.Printf("[Inbound] 消息格式错误 (id=%s): %v", msg.ID, err)
		return nil
	}
	if p.Provider == "" || p.EventID == "" || p.ReferenceID == 0 || !p.Amount.IsPositive() {
		log.Printf("[Inbound] 消息字段缺失 (id=%s)", msg.ID)
		return nil
	}

	_, _, err := c.dispatcher.HandleIncoming(context.Background(), &IncomingEvent{
		Provider:        p.Provider,
		ExternalEventID: p.EventID,
		EventType:       p.EventType,
		ReferenceID:     p.ReferenceID,
		ReceivedAmount:  p.Amount,
		Currency:        p.Currency,
		RawPayload:      msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("record inbound event: %w", err)
	}
	return nil
}
