package steps

import (
	"context"
	"fmt"
	"log"

	"telco_orders/internal/engine"
)

// Billing 支付订单下全部待支付账单。
// 支付失败只在首次尝试（attempts <= 1）通知用户，避免重试期间反复打扰，
// 随后错误原样上抛交给订单级重试决策。已支付账单通过 CAS 防重复入账。
func (f *Factory) Billing() engine.Step {
	return engine.StepFunc{
		StepName: NameBilling,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			invoices, err := f.Ledger.PendingInvoices(ctx, ec.Order.ID)
			if err != nil {
				return nil, err
			}
			if len(invoices) == 0 {
				return engine.Result{Payload: "nothing_to_pay"}, nil
			}

			for i := range invoices {
				inv := &invoices[i]
				if err := f.Payment.Pay(ctx, ec.Order.UserID, ec.Order, inv); err != nil {
					if ec.Order.Attempts <= 1 {
						if nerr := f.Notifier.PaymentFailed(ctx, ec.Order.UserID, ec.Order.OrderNo, err.Error()); nerr != nil {
							log.Printf("steps: billing: notify payment failure for %s: %v", ec.Order.OrderNo, nerr)
						}
					}
					return nil, fmt.Errorf("pay invoice %d: %w", inv.ID, err)
				}
				if err := f.Ledger.MarkPaid(ctx, inv.ID); err != nil {
					return nil, fmt.Errorf("mark invoice %d paid: %w", inv.ID, err)
				}
			}
			return engine.Result{Payload: fmt.Sprintf("paid_invoices=%d", len(invoices))}, nil
		},
		// 已扣款的退款属于人工流程，补偿不自动反向扣款。
	}
}
