package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"telco_orders/internal/model"
)

var (
	// ErrOrderNotFound 订单不存在。
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal 订单已处于终态，拒绝继续操作。
	ErrOrderTerminal = errors.New("order in terminal state")
)

// OrderService 订单状态机：物化步骤计划、驱动 Processor、消化步骤失败
// 并按退避表决定重试或回滚。它是唯一写四张账目表的地方。
type OrderService struct {
	db       *gorm.DB
	registry *Registry
	backoff  []time.Duration
	events   EventPublisher // 可为 nil（测试 / 未接 outbox）
}

func NewOrderService(db *gorm.DB, registry *Registry, backoff []time.Duration, events EventPublisher) *OrderService {
	if len(backoff) == 0 {
		panic("engine: empty retry backoff table")
	}
	return &OrderService{db: db, registry: registry, backoff: backoff, events: events}
}

// Confirm 草稿确认：Draft → Confirmed（CAS）。
func (s *OrderService) Confirm(ctx context.Context, orderID uint) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, model.OrderDraft).
		Update("status", model.OrderConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("confirm order %d: not in draft", orderID)
	}
	return nil
}

// RequestAbort 取消订单。未进入引擎的订单（Draft/Confirmed）直接短路置
// Aborted；其余复用引擎机制：action 置 Abort，由调度器反向补偿。
func (s *OrderService) RequestAbort(ctx context.Context, orderID uint) error {
	var order model.Order
	if err := s.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return err
	}

	switch order.Status {
	case model.OrderDraft, model.OrderConfirmed:
		res := s.db.WithContext(ctx).Model(&model.Order{}).
			Where("id = ? AND status = ?", orderID, order.Status).
			Updates(map[string]any{"status": model.OrderAborted, "action": model.ActionAbort})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			s.emit(ctx, &order, EventOrderAborted, model.OrderAborted, "", "")
		}
		return nil
	case model.OrderPending, model.OrderError, model.OrderProcessing:
		return s.db.WithContext(ctx).Model(&model.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]any{"action": model.ActionAbort, "run_at": nil}).Error
	default:
		return ErrOrderTerminal
	}
}

// MaterializeOrder 把 Confirmed 订单物化为持久化步骤计划并置 Pending。
// 重复物化是 no-op；未注册的订单类型属于配置错误，直接判 Aborted。
func (s *OrderService) MaterializeOrder(ctx context.Context, orderID uint) error {
	var order model.Order
	if err := s.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.Status != model.OrderConfirmed {
		return nil
	}

	proc, err := s.registry.Lookup(order.Type)
	if err != nil {
		log.Printf("engine: materialize order %s: %v", order.OrderNo, err)
		msg := truncate(err.Error(), 1024)
		res := s.db.WithContext(ctx).Model(&model.Order{}).
			Where("id = ? AND status = ?", order.ID, model.OrderConfirmed).
			Updates(map[string]any{"status": model.OrderAborted, "last_error": msg})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			s.emit(ctx, &order, EventOrderAborted, model.OrderAborted, "", msg)
		}
		return nil
	}

	if err := materializePlan(s.db.WithContext(ctx), &order, proc); err != nil {
		if errors.Is(err, ErrAlreadyMaterialized) {
			return nil
		}
		return err
	}
	return nil
}

// ProcessOrder 推进一个到期的 Pending/Error 订单。并发安全由
// 「前一状态作为 CAS 守卫」保证：两个调度实例同时进入时只有一个成功，
// 另一个是 no-op。任何步骤/基础设施错误都在这里消化为订单状态，
// 不向调度循环传播。
func (s *OrderService) ProcessOrder(ctx context.Context, orderID uint) error {
	db := s.db.WithContext(ctx)

	var order model.Order
	if err := db.First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.Status != model.OrderPending && order.Status != model.OrderError {
		return nil
	}

	proc, err := s.registry.Lookup(order.Type)
	if err != nil {
		return err
	}

	// action 变化时重置重试预算，并把未完成的计划步骤刷新为新方向。
	actionChanged, err := s.actionChanged(db, &order)
	if err != nil {
		return err
	}
	attempts := order.Attempts + 1
	if actionChanged {
		attempts = 1
	}

	// CAS 进入 Processing，防止双重执行。
	res := db.Model(&model.Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Updates(map[string]any{
			"status":   model.OrderProcessing,
			"attempts": attempts,
			"run_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // 已被其他实例拿走
	}
	order.Status = model.OrderProcessing
	order.Attempts = attempts

	if actionChanged {
		if err := refreshPlanAction(db, order.ID, order.Action); err != nil {
			return s.settleFailure(ctx, db, &order, nil, err)
		}
	}

	run, err := openRun(db, &order)
	if err != nil {
		return s.settleFailure(ctx, db, &order, nil, err)
	}

	out, procErr := s.runProcessor(ctx, db, proc, &order, run)
	if procErr != nil {
		return s.settleFailure(ctx, db, &order, run, procErr)
	}

	if err := finishRun(db, run, payloadOf(out)); err != nil {
		return s.settleFailure(ctx, db, &order, run, err)
	}
	return s.settleSuccess(ctx, db, &order, run, out)
}

// runProcessor 调用 Processor 并把 panic 转化为普通步骤失败。
func (s *OrderService) runProcessor(ctx context.Context, db *gorm.DB, proc *Processor, order *model.Order, run *model.OrderRun) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return proc.Process(ctx, db, order, run)
}

// settleSuccess 按 Outcome 收束订单状态。CAS 同时守卫 status 与 action：
// 执行期间 action 被翻转（取消在跑单途中到达）时放弃本次收束结果，
// 退回 Pending 让下一轮按新方向重入，取消请求不会丢失。
func (s *OrderService) settleSuccess(ctx context.Context, db *gorm.DB, order *model.Order, run *model.OrderRun, out Outcome) error {
	switch o := out.(type) {
	case Suspend:
		// 挂起不消耗重试预算。
		_, err := s.casResolve(db, order, map[string]any{
			"status":   model.OrderPending,
			"run_at":   o.ResumeAt,
			"attempts": order.Attempts - 1,
		})
		return err
	default:
		final := model.OrderDone
		event := EventOrderCompleted
		if order.Action == model.ActionAbort {
			final = model.OrderAborted
			event = EventOrderAborted
		}
		committed, err := s.casResolve(db, order, map[string]any{"status": final, "last_error": ""})
		if err != nil {
			return err
		}
		if !committed {
			// action 已翻转，结果被放弃，不发终态事件
			return nil
		}
		s.emit(ctx, order, event, final, run.RunNo, "")
		return nil
	}
}

// casResolve 从 Processing 出发收束订单：仅当 action 未被翻转时提交 updates
// 并返回 true；翻转则退回 Pending（run_at 清空）返回 false，
// 等待调度器按新方向重入。
func (s *OrderService) casResolve(db *gorm.DB, order *model.Order, updates map[string]any) (bool, error) {
	res := db.Model(&model.Order{}).
		Where("id = ? AND status = ? AND action = ?", order.ID, model.OrderProcessing, order.Action).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	demote := db.Model(&model.Order{}).
		Where("id = ? AND status = ?", order.ID, model.OrderProcessing).
		Updates(map[string]any{"status": model.OrderPending, "run_at": nil})
	if demote.Error != nil {
		return false, demote.Error
	}
	if demote.RowsAffected == 0 {
		return false, fmt.Errorf("order %d: lost processing ownership", order.ID)
	}
	return false, nil
}

// settleFailure 订单级错误决策：还有重试额度 → Error + 退避；
// 额度耗尽 → Aborted，剩余步骤 Skipped。步骤错误与基础设施错误同等对待。
func (s *OrderService) settleFailure(ctx context.Context, db *gorm.DB, order *model.Order, run *model.OrderRun, cause error) error {
	log.Printf("engine: order %s attempt %d failed: %v", order.OrderNo, order.Attempts, cause)

	if run != nil {
		if err := failRun(db, order, run, cause); err != nil {
			log.Printf("engine: order %s: record failure: %v", order.OrderNo, err)
		}
	}

	runNo := ""
	if run != nil {
		runNo = run.RunNo
	}
	msg := truncate(cause.Error(), 1024)

	idx := order.Attempts - 1
	if idx >= len(s.backoff) {
		// 重试耗尽：永久失败。
		if run != nil {
			if err := skipRemaining(db, order, run); err != nil {
				log.Printf("engine: order %s: skip remaining: %v", order.OrderNo, err)
			}
		}
		if err := s.casFromProcessing(db, order.ID, map[string]any{
			"status":     model.OrderAborted,
			"last_error": msg,
		}); err != nil {
			return err
		}
		s.emit(ctx, order, EventOrderAborted, model.OrderAborted, runNo, msg)
		return nil
	}

	runAt := time.Now().Add(s.backoff[idx])
	if err := s.casFromProcessing(db, order.ID, map[string]any{
		"status":     model.OrderError,
		"run_at":     runAt,
		"last_error": msg,
	}); err != nil {
		return err
	}
	s.emit(ctx, order, EventOrderErrored, model.OrderError, runNo, msg)
	return nil
}

func (s *OrderService) casFromProcessing(db *gorm.DB, orderID uint, updates map[string]any) error {
	res := db.Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, model.OrderProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d: lost processing ownership", orderID)
	}
	return nil
}

// actionChanged 对比最近一次 Run 的方向与当前 action。从未执行过则视为未变。
func (s *OrderService) actionChanged(db *gorm.DB, order *model.Order) (bool, error) {
	var last model.OrderRun
	err := db.Where("order_id = ?", order.ID).Order("id DESC").First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return last.Action != order.Action, nil
}

// emit 发布域事件，失败只记日志（fire-and-forget）。
func (s *OrderService) emit(ctx context.Context, order *model.Order, event string, status model.OrderStatus, runNo, errMsg string) {
	if s.events == nil {
		return
	}
	ev := OrderEvent{
		Event:   event,
		OrderNo: order.OrderNo,
		Type:    order.Type,
		Status:  status.String(),
		Action:  order.Action.String(),
		RunNo:   runNo,
		UserID:  order.UserID,
		Error:   errMsg,
	}
	if err := s.events.PublishOrderEvent(ctx, ev); err != nil {
		log.Printf("engine: publish event %s for order %s: %v", event, order.OrderNo, err)
	}
}

// ConfirmedOrders 等待物化的订单。
func (s *OrderService) ConfirmedOrders(ctx context.Context, limit int) ([]model.Order, error) {
	var out []model.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", model.OrderConfirmed).
		Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// DueOrders 到期待推进的订单：Pending/Error 且 run_at 为空或已过。
func (s *OrderService) DueOrders(ctx context.Context, limit int) ([]model.Order, error) {
	var out []model.Order
	err := s.db.WithContext(ctx).
		Where("status IN ? AND (run_at IS NULL OR run_at <= ?)",
			[]model.OrderStatus{model.OrderPending, model.OrderError}, time.Now()).
		Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// StalledOrders 卡在 Processing 超过阈值的订单（崩溃遗留），仅供观测。
func (s *OrderService) StalledOrders(ctx context.Context, threshold time.Duration, limit int) ([]model.Order, error) {
	var out []model.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.OrderProcessing, time.Now().Add(-threshold)).
		Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// ReleaseStalled 运维手工解锁卡单：Processing → Pending，
// 下一轮调度从订单最后提交的 step_no 重入。只允许超过阈值的订单，
// 避免误放行正在执行的实例。
func (s *OrderService) ReleaseStalled(ctx context.Context, orderID uint, threshold time.Duration) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ? AND updated_at < ?",
			orderID, model.OrderProcessing, time.Now().Add(-threshold)).
		Updates(map[string]any{"status": model.OrderPending, "run_at": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d is not a stalled processing order", orderID)
	}
	return nil
}
