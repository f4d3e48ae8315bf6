package steps

import (
	"context"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
	simpool "telco_orders/pkg/redis"
)

// Shipping 实体 SIM 寄送。eSIM 或已录入 ICCID（已送达）直接通过；
// 否则向寄送方下单并上抛 waiting_for_shipping——订单进入 Error 按退避表
// 重试，直到运维带外录入 ICCID。寄送方保证同订单幂等。
func (f *Factory) ShippingStep(sel SimSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameShipping,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			simType, iccid, err := sel(ec)
			if err != nil {
				return nil, err
			}
			if simType == model.SimESIM {
				return engine.Result{Payload: "esim_no_shipping"}, nil
			}
			if iccid != "" {
				return engine.Result{Payload: "sim_delivered"}, nil
			}
			if err := f.Shipping.ShipSim(ctx, ec.Order.UserID, ec.Order.OrderNo); err != nil {
				return nil, err
			}
			return engine.Result{Payload: "sim_delivered"}, nil
		},
		// 已寄出的卡不召回，补偿为 no-op。
	}
}

// Sim 落实本单使用的 ICCID：
//   - 明细已带 ICCID（预选或寄达后录入）→ 直接使用
//   - eSIM → 从 Redis 池原子预留，重入返回同一张（幂等）
// 预留结果写回明细供 CARRIER 步骤使用；补偿幂等回收入池。
func (f *Factory) Sim(sel SimSelector, record func(ec *engine.ExecCtx, iccid string) error) engine.Step {
	return engine.StepFunc{
		StepName: NameSim,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			simType, iccid, err := sel(ec)
			if err != nil {
				return nil, err
			}
			if iccid != "" {
				return engine.Result{Payload: iccid}, nil
			}

			reserved, err := simpool.ReserveICCID(ctx, f.Redis, ec.Order.OrderNo, string(simType))
			if err != nil {
				return nil, err
			}
			if err := record(ec, reserved); err != nil {
				return nil, err
			}
			return engine.Result{Payload: reserved}, nil
		},
		AbortFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			simType, _, err := sel(ec)
			if err != nil {
				return nil, err
			}
			released, err := simpool.ReleaseICCIDOnce(ctx, f.Redis, ec.Order.OrderNo, string(simType))
			if err != nil {
				return nil, err
			}
			if released {
				return engine.Result{Payload: "iccid_released"}, nil
			}
			return engine.Empty{}, nil
		},
	}
}
