package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telco_orders/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine_test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

// eventRecorder 收集引擎发布的域事件。
type eventRecorder struct {
	events []OrderEvent
}

func (r *eventRecorder) PublishOrderEvent(_ context.Context, ev OrderEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) last(t *testing.T) OrderEvent {
	t.Helper()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

var orderNoSeq atomic.Int64

func seedOrder(t *testing.T, db *gorm.DB, typ model.OrderType, status model.OrderStatus) *model.Order {
	t.Helper()
	order := &model.Order{
		OrderNo: fmt.Sprintf("TO-test-%d", orderNoSeq.Add(1)),
		Type:    typ,
		Status:  status,
		Action:  model.ActionRun,
		UserID:  42,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

// okStep 记录执行轨迹的成功步骤。
func okStep(name string, trace *[]string) Step {
	return StepFunc{
		StepName: name,
		RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
			*trace = append(*trace, name)
			return Result{Payload: name + "_ok"}, nil
		},
		AbortFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
			*trace = append(*trace, "abort:"+name)
			return Empty{}, nil
		},
	}
}

func loadOrder(t *testing.T, db *gorm.DB, id uint) *model.Order {
	t.Helper()
	var order model.Order
	require.NoError(t, db.First(&order, id).Error)
	return &order
}

func loadSteps(t *testing.T, db *gorm.DB, orderID uint) []model.OrderStep {
	t.Helper()
	var steps []model.OrderStep
	require.NoError(t, db.Where("order_id = ?", orderID).Order("step_no ASC").Find(&steps).Error)
	return steps
}

func TestMaterializeOrderIdempotent(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan,
		StepFunc{StepName: "A"}, StepFunc{StepName: "B"}, StepFunc{StepName: "C"}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	ctx := context.Background()

	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))
	// 重复物化是 no-op
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))

	steps := loadSteps(t, db, order.ID)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{steps[0].Type, steps[1].Type, steps[2].Type})
	for _, s := range steps {
		assert.Equal(t, model.StepPending, s.Status)
	}
	assert.Equal(t, model.OrderPending, loadOrder(t, db, order.ID).Status)
}

func TestMaterializeUnknownTypeAborts(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan, StepFunc{StepName: "A"}))
	rec := &eventRecorder{}
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, rec)

	order := seedOrder(t, db, model.OrderTypePortOut, model.OrderConfirmed)
	require.NoError(t, svc.MaterializeOrder(context.Background(), order.ID))

	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderAborted, got.Status)
	assert.Contains(t, got.LastError, "no processor registered")
	assert.Empty(t, loadSteps(t, db, order.ID))

	// 终态事件照常发布
	ev := rec.last(t)
	assert.Equal(t, EventOrderAborted, ev.Event)
	assert.Equal(t, order.OrderNo, ev.OrderNo)

	// 重复物化不再重复发事件
	require.NoError(t, svc.MaterializeOrder(context.Background(), order.ID))
	assert.Len(t, rec.events, 1)
}

func TestProcessOrderForwardCompletes(t *testing.T) {
	db := newTestDB(t)
	var trace []string
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan,
		okStep("A", &trace), okStep("B", &trace), okStep("C", &trace)))
	rec := &eventRecorder{}
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, rec)

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))

	assert.Equal(t, []string{"A", "B", "C"}, trace)

	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StepNo)
	assert.Equal(t, 2, *got.StepNo) // 游标停在末位

	for _, s := range loadSteps(t, db, order.ID) {
		assert.Equal(t, model.StepDone, s.Status)
		assert.Equal(t, s.Type+"_ok", s.Result)
	}

	var runs []model.OrderRun
	require.NoError(t, db.Where("order_id = ?", order.ID).Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunDone, runs[0].Status)

	var runSteps []model.OrderRunStep
	require.NoError(t, db.Where("run_id = ?", runs[0].ID).Find(&runSteps).Error)
	require.Len(t, runSteps, 3)
	for _, rs := range runSteps {
		assert.Equal(t, model.StepDone, rs.Status)
	}

	assert.Equal(t, EventOrderCompleted, rec.last(t).Event)
	assert.Equal(t, "done", rec.last(t).Status)
}

func TestProcessOrderRunsExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	count := 0
	reg := NewRegistry(NewProcessor(model.OrderTypeRenewPlan, StepFunc{
		StepName: "A",
		RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
			count++
			return Empty{}, nil
		},
	}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)

	order := seedOrder(t, db, model.OrderTypeRenewPlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))

	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	// 终态后的重复调用不再执行步骤
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	assert.Equal(t, 1, count)

	// 他实例已持有 Processing 时同样是 no-op
	other := seedOrder(t, db, model.OrderTypeRenewPlan, model.OrderProcessing)
	require.NoError(t, svc.ProcessOrder(ctx, other.ID))
	assert.Equal(t, 1, count)
}

func TestProcessOrderSuspendAndResume(t *testing.T) {
	db := newTestDB(t)
	resumeAt := time.Now().Add(45 * time.Minute)
	var trace []string
	waitOnce := true
	reg := NewRegistry(NewProcessor(model.OrderTypeSimSwap,
		okStep("A", &trace),
		StepFunc{
			StepName: "B",
			RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				trace = append(trace, "B")
				if waitOnce {
					waitOnce = false
					return Suspend{ResumeAt: resumeAt}, nil
				}
				return Result{Payload: "B_ok"}, nil
			},
		}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)

	order := seedOrder(t, db, model.OrderTypeSimSwap, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))

	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderPending, got.Status)
	require.NotNil(t, got.RunAt)
	assert.WithinDuration(t, resumeAt, *got.RunAt, time.Second)
	// 挂起不消耗重试预算
	assert.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.StepNo)
	assert.Equal(t, 1, *got.StepNo)

	// 挂起的步骤回到 Pending，等待重入
	steps := loadSteps(t, db, order.ID)
	assert.Equal(t, model.StepDone, steps[0].Status)
	assert.Equal(t, model.StepPending, steps[1].Status)

	// 恢复后从同一步骤接续，前序步骤不重放
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	assert.Equal(t, []string{"A", "B", "B"}, trace)
	assert.Equal(t, model.OrderDone, loadOrder(t, db, order.ID).Status)
}

func TestProcessOrderFailureRetryThenAbort(t *testing.T) {
	db := newTestDB(t)
	var trace []string
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan,
		okStep("A", &trace),
		StepFunc{
			StepName: "B",
			RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				return nil, errors.New("carrier unreachable")
			},
		},
		okStep("C", &trace)))
	rec := &eventRecorder{}
	backoff := []time.Duration{time.Minute, time.Hour}
	svc := NewOrderService(db, reg, backoff, rec)

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))

	// 第一次失败：Error + backoff[0]
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.RunAt)
	assert.WithinDuration(t, time.Now().Add(backoff[0]), *got.RunAt, 2*time.Second)
	assert.Contains(t, got.LastError, "carrier unreachable")
	assert.Equal(t, EventOrderErrored, rec.last(t).Event)

	steps := loadSteps(t, db, order.ID)
	assert.Equal(t, model.StepDone, steps[0].Status)
	assert.Equal(t, model.StepError, steps[1].Status)
	assert.Contains(t, steps[1].Error, "carrier unreachable")
	// 计划步骤保持 Pending 等待重试，本次 Run 快照内标 Skipped
	assert.Equal(t, model.StepPending, steps[2].Status)
	var runSteps []model.OrderRunStep
	require.NoError(t, db.Where("order_id = ? AND step_no = ?", order.ID, 2).Find(&runSteps).Error)
	require.Len(t, runSteps, 1)
	assert.Equal(t, model.StepSkipped, runSteps[0].Status)

	// 第二次失败：backoff[1]
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	got = loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderError, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.WithinDuration(t, time.Now().Add(backoff[1]), *got.RunAt, 2*time.Second)

	// 第三次：退避表耗尽 → Aborted，剩余步骤 Skipped
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	got = loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderAborted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, EventOrderAborted, rec.last(t).Event)

	steps = loadSteps(t, db, order.ID)
	assert.Equal(t, model.StepDone, steps[0].Status)
	assert.Equal(t, model.StepError, steps[1].Status)
	assert.Equal(t, model.StepSkipped, steps[2].Status)

	// 重试从失败步骤重入，A 只执行了一次
	assert.Equal(t, []string{"A"}, trace)
}

func TestProcessOrderPanicIsFailure(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeDeactivatePlan, StepFunc{
		StepName: "A",
		RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
			panic("boom")
		},
	}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)

	order := seedOrder(t, db, model.OrderTypeDeactivatePlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))

	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderError, got.Status)
	assert.Contains(t, got.LastError, "step panic")
}

func TestAbortCompensatesBackward(t *testing.T) {
	db := newTestDB(t)
	var trace []string
	failB := true
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan,
		okStep("A", &trace),
		StepFunc{
			StepName: "B",
			RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				if failB {
					return nil, errors.New("payment declined")
				}
				return Empty{}, nil
			},
			AbortFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				trace = append(trace, "abort:B")
				return Empty{}, nil
			},
		},
		okStep("C", &trace)))
	rec := &eventRecorder{}
	svc := NewOrderService(db, reg, []time.Duration{time.Minute, time.Hour}, rec)

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	require.Equal(t, model.OrderError, loadOrder(t, db, order.ID).Status)

	// 取消：action 翻转，run_at 清空，下一轮反向补偿
	require.NoError(t, svc.RequestAbort(ctx, order.ID))
	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.ActionAbort, got.Action)
	assert.Nil(t, got.RunAt)

	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	got = loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderAborted, got.Status)
	// 方向变化重置重试预算
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, EventOrderAborted, rec.last(t).Event)

	// 从失败位置反向补偿：B、A，未到达的 C 不补偿
	assert.Equal(t, []string{"A", "abort:B", "abort:A"}, trace)
}

func TestAbortDuringProcessingIsNotLost(t *testing.T) {
	db := newTestDB(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var trace []string
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan,
		okStep("A", &trace),
		StepFunc{
			StepName: "B",
			RunFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				trace = append(trace, "B")
				close(entered)
				<-release
				return Empty{}, nil
			},
			AbortFn: func(_ context.Context, _ *ExecCtx) (Outcome, error) {
				trace = append(trace, "abort:B")
				return Empty{}, nil
			},
		}))
	rec := &eventRecorder{}
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, rec)

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	ctx := context.Background()
	require.NoError(t, svc.MaterializeOrder(ctx, order.ID))

	done := make(chan error, 1)
	go func() { done <- svc.ProcessOrder(ctx, order.ID) }()

	// 跑单途中取消：action 翻转，正向执行仍在进行
	<-entered
	require.NoError(t, svc.RequestAbort(ctx, order.ID))
	close(release)
	require.NoError(t, <-done)

	// 正向结果被放弃：不落 Done，退回 Pending 等待反向补偿
	got := loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderPending, got.Status)
	assert.Equal(t, model.ActionAbort, got.Action)
	assert.Nil(t, got.RunAt)
	for _, ev := range rec.events {
		assert.NotEqual(t, EventOrderCompleted, ev.Event)
	}

	// 下一轮按新方向重入，取消请求最终生效
	require.NoError(t, svc.ProcessOrder(ctx, order.ID))
	got = loadOrder(t, db, order.ID)
	assert.Equal(t, model.OrderAborted, got.Status)
	assert.Equal(t, EventOrderAborted, rec.last(t).Event)
	assert.Equal(t, []string{"A", "B", "abort:B", "abort:A"}, trace)
}

func TestRequestAbortShortCircuit(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan, StepFunc{StepName: "A"}))
	rec := &eventRecorder{}
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, rec)
	ctx := context.Background()

	// 草稿直接 Aborted，不经引擎
	draft := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderDraft)
	require.NoError(t, svc.RequestAbort(ctx, draft.ID))
	assert.Equal(t, model.OrderAborted, loadOrder(t, db, draft.ID).Status)
	assert.Equal(t, EventOrderAborted, rec.last(t).Event)

	confirmed := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderConfirmed)
	require.NoError(t, svc.RequestAbort(ctx, confirmed.ID))
	assert.Equal(t, model.OrderAborted, loadOrder(t, db, confirmed.ID).Status)

	// 终态拒绝
	done := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderDone)
	assert.ErrorIs(t, svc.RequestAbort(ctx, done.ID), ErrOrderTerminal)

	assert.ErrorIs(t, svc.RequestAbort(ctx, 99999), ErrOrderNotFound)
}

func TestConfirm(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan, StepFunc{StepName: "A"}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)
	ctx := context.Background()

	order := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderDraft)
	require.NoError(t, svc.Confirm(ctx, order.ID))
	assert.Equal(t, model.OrderConfirmed, loadOrder(t, db, order.ID).Status)

	// 非草稿重复确认报错
	assert.Error(t, svc.Confirm(ctx, order.ID))
}

func TestDueOrders(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan, StepFunc{StepName: "A"}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)
	ctx := context.Background()

	ready := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderPending)
	past := time.Now().Add(-time.Minute)
	errDue := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderError)
	require.NoError(t, db.Model(errDue).Update("run_at", past).Error)
	future := time.Now().Add(time.Hour)
	notYet := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderError)
	require.NoError(t, db.Model(notYet).Update("run_at", future).Error)

	due, err := svc.DueOrders(ctx, 10)
	require.NoError(t, err)
	ids := make([]uint, 0, len(due))
	for _, o := range due {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []uint{ready.ID, errDue.ID}, ids)
}

func TestStalledOrdersAndRelease(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(NewProcessor(model.OrderTypeAddPlan, StepFunc{StepName: "A"}))
	svc := NewOrderService(db, reg, []time.Duration{time.Minute}, nil)
	ctx := context.Background()

	stalled := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderProcessing)
	// 回拨 updated_at 模拟崩溃遗留
	require.NoError(t, db.Model(stalled).UpdateColumn("updated_at", time.Now().Add(-2*time.Hour)).Error)
	fresh := seedOrder(t, db, model.OrderTypeAddPlan, model.OrderProcessing)

	got, err := svc.StalledOrders(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stalled.ID, got[0].ID)

	// 未超过阈值的不允许解锁
	assert.Error(t, svc.ReleaseStalled(ctx, fresh.ID, time.Hour))

	require.NoError(t, svc.ReleaseStalled(ctx, stalled.ID, time.Hour))
	released := loadOrder(t, db, stalled.ID)
	assert.Equal(t, model.OrderPending, released.Status)
	assert.Nil(t, released.RunAt)
}
