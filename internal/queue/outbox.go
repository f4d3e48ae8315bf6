package queue

import (
	"context"
	"strconv"

	rd "github.com/redis/go-redis/v9"

	"telco_orders/internal/engine"
)

// Outbox 把订单事件原子写入 Redis Stream，由 Relay 异步转发 Kafka。
// 引擎只依赖入流成功，下游投递与重试由 Relay 负责。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// PublishOrderEvent 实现 engine.EventPublisher。
func (o *Outbox) PublishOrderEvent(ctx context.Context, ev engine.OrderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]any{
			"event":    ev.Event,
			"order_no": ev.OrderNo,
			"type":     string(ev.Type),
			"status":   ev.Status,
			"action":   ev.Action,
			"run_no":   ev.RunNo,
			"user_id":  strconv.FormatInt(ev.UserID, 10),
			"error":    ev.Error,
		},
	}).Err()
}
