package engine

import (
	"context"
	"fmt"

	"telco_orders/internal/model"
)

// 订单域事件名。只在订单落定（完成 / 失败待重试 / 已回滚）时发出，
// 供通知、CRM 等外部订阅方消费，不参与事务核心。
const (
	EventOrderCompleted = "order_completed"
	EventOrderErrored   = "order_errored"
	EventOrderAborted   = "order_aborted"
)

// OrderEvent 发往 outbox 的订单事件载荷。
type OrderEvent struct {
	Event   string          `json:"event"`
	OrderNo string          `json:"order_no"`
	Type    model.OrderType `json:"type"`
	Status  string          `json:"status"`
	Action  string          `json:"action"`
	RunNo   string          `json:"run_no,omitempty"`
	UserID  int64           `json:"user_id"`
	Error   string          `json:"error,omitempty"`
}

// Validate 做最小字段校验，防止下游消费脏消息。
func (e OrderEvent) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("event is required")
	}
	if e.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// EventPublisher 事件出口。实现方（Redis Stream outbox）保证最终送达，
// 引擎侧发布失败只记日志，不影响订单状态流转。
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, ev OrderEvent) error
}
