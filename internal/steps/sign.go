package steps

import (
	"context"
	"time"

	"telco_orders/internal/engine"
	"telco_orders/internal/services"
)

// SignState 明细记录里的签名进度：待签消息与带外回填的签名。
type SignState struct {
	Message   string
	Signature string
}

// Sign 等待用户对授权消息签名后校验：
//  1. 首次执行生成待签消息存入明细，挂起（Suspend）等待带外签名
//  2. 签名尚未回填时继续挂起——挂起不是阻塞，调度器到点自然重入
//  3. 签名就位后走钱包侧校验，失败上抛
// 未绑定钱包按配置处理：硬错误，或作为可接受结果跳过签名。
func (f *Factory) Sign(purpose string,
	load func(ec *engine.ExecCtx) (SignState, error),
	saveMessage func(ec *engine.ExecCtx, msg string) error) engine.Step {
	return engine.StepFunc{
		StepName: NameSign,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.WalletAddress == "" {
				if f.MissingWalletFatal {
					return nil, services.ErrNoWallet
				}
				return engine.Result{Payload: "no_linked_wallet"}, nil
			}

			state, err := load(ec)
			if err != nil {
				return nil, err
			}

			if state.Message == "" {
				msg, err := f.Wallet.GenerateMessage(ctx, sub.WalletAddress, purpose, ec.Order.OrderNo)
				if err != nil {
					return nil, err
				}
				if err := saveMessage(ec, msg); err != nil {
					return nil, err
				}
				return engine.Suspend{ResumeAt: time.Now().Add(f.signRecheck())}, nil
			}

			if state.Signature == "" {
				return engine.Suspend{ResumeAt: time.Now().Add(f.signRecheck())}, nil
			}

			if err := f.Wallet.ValidateSignature(ctx, sub.WalletAddress, state.Message, state.Signature); err != nil {
				return nil, err
			}
			return engine.Result{Payload: "signed"}, nil
		},
	}
}
