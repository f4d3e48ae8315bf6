package steps

import (
	"context"

	"telco_orders/internal/engine"
)

// RewardsStep 积分发放，尽力而为的附带动作：
//   - 仅无父级的基础订阅有资格
//   - 未绑定钱包是「结果」而非错误
// 幂等：发放流水号已记录在步骤结果里则不再重复发放。补偿不回收积分。
func (f *Factory) RewardsStep() engine.Step {
	return engine.StepFunc{
		StepName: NameRewards,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if ec.Step.Result != "" {
				return engine.Result{Payload: ec.Step.Result}, nil
			}
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.ParentID != nil {
				return engine.Result{Payload: "not_base_subscription"}, nil
			}
			if sub.WalletAddress == "" {
				return engine.Result{Payload: "no_linked_wallet"}, nil
			}

			txID, err := f.Rewards.Payout(ctx, ec.Order.UserID, sub.WalletAddress, ec.Order.OrderNo)
			if err != nil {
				return nil, err
			}
			return engine.Result{Payload: txID}, nil
		},
	}
}

// Certificates 签发订阅证书，资格门槛与积分一致。
// 幂等：已记录证书编号则直接复用。
func (f *Factory) Certificates() engine.Step {
	return engine.StepFunc{
		StepName: NameCertificates,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if ec.Step.Result != "" {
				return engine.Result{Payload: ec.Step.Result}, nil
			}
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.ParentID != nil {
				return engine.Result{Payload: "not_base_subscription"}, nil
			}
			if sub.WalletAddress == "" {
				return engine.Result{Payload: "no_linked_wallet"}, nil
			}

			cert, err := f.Wallet.IssueCertificate(ctx, sub.WalletAddress, sub.ID)
			if err != nil {
				return nil, err
			}
			return engine.Result{Payload: cert}, nil
		},
	}
}
