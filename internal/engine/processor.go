package engine

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"telco_orders/internal/model"
)

// Processor 一种订单类型的流水线：不可变的有序步骤列表。
// Process 只负责迭代与四行状态流转，重试策略在上层（OrderService）。
type Processor struct {
	orderType model.OrderType
	steps     []Step
}

func NewProcessor(orderType model.OrderType, steps ...Step) *Processor {
	if len(steps) == 0 {
		panic(fmt.Sprintf("processor %s: empty step list", orderType))
	}
	return &Processor{orderType: orderType, steps: steps}
}

func (p *Processor) Type() model.OrderType { return p.orderType }

// Steps 返回步骤列表副本，组成不可变。
func (p *Processor) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Process 按 run.Action 决定迭代方向：
//   - Run：从 run.StepNo（缺省 0）正向走到末尾，调用 step.Run
//   - Abort：从 run.StepNo（缺省末位）反向走到开头，调用 step.Abort
// 反向从游标所指步骤自身开始：失败步骤可能已产生部分副作用
// （预留了 SIM、开出了账单），必须先补偿它再回溯已完成的步骤。
// 每个步骤：先原子标 Processing，执行，再原子标 Done 并推进游标。
// Suspend 立即停止迭代并返回；步骤错误原样上抛，这里不做捕获。
func (p *Processor) Process(ctx context.Context, db *gorm.DB, order *model.Order, run *model.OrderRun) (Outcome, error) {
	if run.Action == model.ActionAbort {
		return p.walkBackward(ctx, db, order, run)
	}
	return p.walkForward(ctx, db, order, run)
}

func (p *Processor) walkForward(ctx context.Context, db *gorm.DB, order *model.Order, run *model.OrderRun) (Outcome, error) {
	start := 0
	if run.StepNo != nil {
		start = *run.StepNo
	}
	last := len(p.steps) - 1

	var final Outcome = Empty{}
	for i := start; i <= last; i++ {
		stepRow, err := beginStep(db, order, run, i)
		if err != nil {
			return nil, err
		}

		out, err := p.steps[i].Run(ctx, &ExecCtx{DB: db, Order: order, Run: run, Step: stepRow})
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", p.steps[i].Name(), err)
		}

		if susp, ok := out.(Suspend); ok {
			if err := suspendStep(db, order, run, i); err != nil {
				return nil, err
			}
			return susp, nil
		}

		// 游标停在计划边界内：最后一步完成后保持在末位。
		next := i + 1
		if next > last {
			next = last
		}
		if err := completeStep(db, order, run, i, next, payloadOf(out)); err != nil {
			return nil, err
		}
		final = out
	}
	return final, nil
}

func (p *Processor) walkBackward(ctx context.Context, db *gorm.DB, order *model.Order, run *model.OrderRun) (Outcome, error) {
	last := len(p.steps) - 1
	start := last
	if run.StepNo != nil {
		start = *run.StepNo
	}

	var final Outcome = Empty{}
	for i := start; i >= 0; i-- {
		stepRow, err := beginStep(db, order, run, i)
		if err != nil {
			return nil, err
		}

		out, err := p.steps[i].Abort(ctx, &ExecCtx{DB: db, Order: order, Run: run, Step: stepRow})
		if err != nil {
			return nil, fmt.Errorf("step %s (abort): %w", p.steps[i].Name(), err)
		}

		if susp, ok := out.(Suspend); ok {
			if err := suspendStep(db, order, run, i); err != nil {
				return nil, err
			}
			return susp, nil
		}

		next := i - 1
		if next < 0 {
			next = 0
		}
		if err := completeStep(db, order, run, i, next, payloadOf(out)); err != nil {
			return nil, err
		}
		final = out
	}
	return final, nil
}

func payloadOf(out Outcome) string {
	if r, ok := out.(Result); ok {
		return r.Payload
	}
	return ""
}

// Registry 订单类型到 Processor 的映射，启动时构建后只读。
type Registry struct {
	procs map[model.OrderType]*Processor
}

func NewRegistry(procs ...*Processor) *Registry {
	m := make(map[model.OrderType]*Processor, len(procs))
	for _, p := range procs {
		if _, dup := m[p.Type()]; dup {
			panic(fmt.Sprintf("duplicate processor for order type %s", p.Type()))
		}
		m[p.Type()] = p
	}
	return &Registry{procs: m}
}

// Lookup 返回该订单类型的 Processor，未注册时报错。
func (r *Registry) Lookup(t model.OrderType) (*Processor, error) {
	p, ok := r.procs[t]
	if !ok {
		return nil, fmt.Errorf("no processor registered for order type %s", t)
	}
	return p, nil
}
