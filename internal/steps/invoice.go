package steps

import (
	"context"
	"fmt"
	"strconv"

	"telco_orders/internal/engine"
)

// Credits 在开票前快照用户可用抵扣总额，结果记录到步骤载荷，
// 便于事后核对账单的抵扣行项目。
func (f *Factory) Credits() engine.Step {
	return engine.StepFunc{
		StepName: NameCredits,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			credits, err := f.Ledger.AvailableCredits(ctx, ec.Order.UserID)
			if err != nil {
				return nil, err
			}
			total := int64(0)
			for _, c := range credits {
				total += c.Remaining
			}
			return engine.Result{Payload: "available_credit=" + strconv.FormatInt(total, 10)}, nil
		},
	}
}

// Invoice 生成账单：套餐费用 + 税费 − 抵扣（贪心消耗最旧余额）。
// offerFrom 由流水线槽位注入——add_plan/renew_plan/change_plan 各自
// 从不同明细字段取资费。幂等：已有未作废账单直接复用。
// 补偿路径作废仍待支付的账单并回补抵扣。
func (f *Factory) Invoice(offerFrom OfferSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameInvoice,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if inv, found, err := f.Ledger.InvoiceForOrder(ctx, ec.Order.ID); err != nil {
				return nil, err
			} else if found {
				return engine.Result{Payload: invoicePayload(inv.ID, inv.Total)}, nil
			}

			offerID, err := offerFrom(ec)
			if err != nil {
				return nil, err
			}
			offer, err := loadOffer(ec.DB, offerID)
			if err != nil {
				return nil, err
			}

			taxes, err := f.Tax.CalcForOrder(ctx, ec.Order, offer.MonthlyPrice)
			if err != nil {
				return nil, err
			}

			inv, err := f.Ledger.CreateInvoice(ctx, ec.Order, offer.Name, offer.MonthlyPrice, taxes)
			if err != nil {
				return nil, err
			}
			return engine.Result{Payload: invoicePayload(inv.ID, inv.Total)}, nil
		},
		AbortFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			return engine.Empty{}, f.Ledger.VoidPending(ctx, ec.Order.ID)
		},
	}
}

func invoicePayload(id uint, total int64) string {
	return fmt.Sprintf("invoice=%d total=%d", id, total)
}
