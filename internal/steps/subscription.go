package steps

import (
	"context"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
)

// Subscription 创建订阅记录并挂到订单上（add_plan 首步）。
// 幂等：订单已关联订阅则直接通过。
func (f *Factory) Subscription() engine.Step {
	return engine.StepFunc{
		StepName: NameSubscription,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if ec.Order.SubscriptionID != nil {
				return engine.Empty{}, nil
			}

			detail, err := detailOf[model.AddPlanDetail](ec)
			if err != nil {
				return nil, err
			}

			sub := &model.Subscription{
				UserID:  ec.Order.UserID,
				OfferID: detail.OfferID,
				Status:  model.SubCreated,
			}
			if err := ec.DB.Create(sub).Error; err != nil {
				return nil, err
			}
			if err := ec.DB.Model(&model.Order{}).Where("id = ?", ec.Order.ID).
				Update("subscription_id", sub.ID).Error; err != nil {
				return nil, err
			}
			ec.Order.SubscriptionID = &sub.ID
			return engine.Empty{}, nil
		},
		AbortFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if ec.Order.SubscriptionID == nil {
				return engine.Empty{}, nil
			}
			// 回滚即注销尚未在网的订阅；重复执行是 no-op。
			return engine.Empty{}, ec.DB.Model(&model.Subscription{}).
				Where("id = ? AND status <> ?", *ec.Order.SubscriptionID, model.SubInactive).
				Update("status", model.SubInactive).Error
		},
	}
}

// SubscriptionClose 关闭订阅（port_out / deactivate_plan 末步）。
// 补偿不做自动复机：重新在网需要走新的开通流程。
func (f *Factory) SubscriptionClose() engine.Step {
	return engine.StepFunc{
		StepName: NameSubscriptionClose,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.Status == model.SubInactive {
				return engine.Empty{}, nil
			}
			return engine.Empty{}, ec.DB.Model(&model.Subscription{}).
				Where("id = ?", sub.ID).
				Update("status", model.SubInactive).Error
		},
	}
}
