package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"telco_orders/internal/model"
)

// Scheduler 三个独立的固定间隔轮询：
//  1. 物化：Confirmed → 步骤计划 + Pending
//  2. 推进：到期的 Pending/Error → ProcessOrder
//  3. 卡单检测：Processing 超过阈值 → 记日志供运维处理
// 每轮最多拿 MaxConcurrentOrders 个订单，逐单独立 goroutine 执行，
// 单个订单的 panic/错误不影响同批其他订单，也不影响轮询本身。
type Scheduler struct {
	svc            *OrderService
	interval       time.Duration
	maxConcurrent  int64
	stallThreshold time.Duration
}

func NewScheduler(svc *OrderService, interval time.Duration, maxConcurrent int64, stallThreshold time.Duration) *Scheduler {
	return &Scheduler{
		svc:            svc,
		interval:       interval,
		maxConcurrent:  maxConcurrent,
		stallThreshold: stallThreshold,
	}
}

// Run 启动三个轮询循环，阻塞到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.loop(ctx, "materialize", s.materializeTick) }()
	go func() { defer wg.Done(); s.loop(ctx, "advance", s.advanceTick) }()
	go func() { defer wg.Done(); s.loop(ctx, "stall", s.stallTick) }()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, tick func(context.Context)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: %s loop stopped", name)
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// materializeTick 为已确认订单生成步骤计划。
func (s *Scheduler) materializeTick(ctx context.Context) {
	orders, err := s.svc.ConfirmedOrders(ctx, int(s.maxConcurrent))
	if err != nil {
		log.Printf("scheduler: list confirmed: %v", err)
		return
	}
	s.dispatch(ctx, orderIDs(orders), func(ctx context.Context, id uint) error {
		return s.svc.MaterializeOrder(ctx, id)
	})
}

// advanceTick 推进到期订单。订单间互不影响：一个失败不阻塞整批。
func (s *Scheduler) advanceTick(ctx context.Context) {
	orders, err := s.svc.DueOrders(ctx, int(s.maxConcurrent))
	if err != nil {
		log.Printf("scheduler: list due: %v", err)
		return
	}
	s.dispatch(ctx, orderIDs(orders), func(ctx context.Context, id uint) error {
		return s.svc.ProcessOrder(ctx, id)
	})
}

// stallTick 只做观测：标记疑似崩溃遗留的订单，恢复交给运维接口。
func (s *Scheduler) stallTick(ctx context.Context) {
	orders, err := s.svc.StalledOrders(ctx, s.stallThreshold, int(s.maxConcurrent))
	if err != nil {
		log.Printf("scheduler: list stalled: %v", err)
		return
	}
	for _, o := range orders {
		log.Printf("scheduler: order %s (id=%d) stuck in processing since %s, needs operator attention",
			o.OrderNo, o.ID, o.UpdatedAt.Format(time.RFC3339))
	}
}

// dispatch 以信号量限流并发执行，逐单捕获 panic 与错误。
func (s *Scheduler) dispatch(ctx context.Context, ids []uint, fn func(context.Context, uint) error) {
	sem := semaphore.NewWeighted(s.maxConcurrent)
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // ctx 取消
		}
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("scheduler: order %d: panic: %v", id, r)
				}
			}()
			if err := fn(ctx, id); err != nil {
				log.Printf("scheduler: order %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func orderIDs(orders []model.Order) []uint {
	out := make([]uint, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}
