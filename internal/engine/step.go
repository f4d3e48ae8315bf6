package engine

import (
	"context"

	"gorm.io/gorm"

	"telco_orders/internal/model"
)

// ExecCtx 步骤执行上下文：当前订单、本次 Run 以及数据库句柄。
// 步骤内部的持久化使用自己的事务；四行状态流转由引擎在步骤外提交。
type ExecCtx struct {
	DB    *gorm.DB
	Order *model.Order
	Run   *model.OrderRun
	Step  *model.OrderStep
}

// Step 可复用的工作单元。Run 正向执行，Abort 反向补偿。
// 两者都必须满足重试幂等：部分失败后重入不得重复产生副作用
// （先检查已有状态——已开出的账单、已预留的 SIM——再创建新的）。
type Step interface {
	Name() string
	Run(ctx context.Context, ec *ExecCtx) (Outcome, error)
	Abort(ctx context.Context, ec *ExecCtx) (Outcome, error)
}

// StepFunc 通用步骤（escape hatch）：用闭包承载临时业务逻辑。
// AbortFn 为 nil 时补偿为 no-op。
type StepFunc struct {
	StepName string
	RunFn    func(ctx context.Context, ec *ExecCtx) (Outcome, error)
	AbortFn  func(ctx context.Context, ec *ExecCtx) (Outcome, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context, ec *ExecCtx) (Outcome, error) {
	if s.RunFn == nil {
		return Empty{}, nil
	}
	return s.RunFn(ctx, ec)
}

func (s StepFunc) Abort(ctx context.Context, ec *ExecCtx) (Outcome, error) {
	if s.AbortFn == nil {
		return Empty{}, nil
	}
	return s.AbortFn(ctx, ec)
}
