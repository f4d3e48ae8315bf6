package steps

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
)

// promoCreditAmount 促销码抵扣金额（分）。促销目录服务不在本系统范围，
// 这里按统一面值入账。
const promoCreditAmount = 500

// PromoCodes 将订单携带的促销码兑换为抵扣余额。
// 幂等：以 source 标签（含订单号）判重；无促销码是结果而非错误。
func (f *Factory) PromoCodes() engine.Step {
	return engine.StepFunc{
		StepName: NamePromoCodes,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			detail, err := detailOf[model.AddPlanDetail](ec)
			if err != nil {
				return nil, err
			}
			if detail.PromoCode == "" {
				return engine.Result{Payload: "no_promo_code"}, nil
			}

			source := promoSource(detail.PromoCode, ec.Order.OrderNo)
			var existing model.Credit
			err = ec.DB.Where("user_id = ? AND source = ?", ec.Order.UserID, source).First(&existing).Error
			if err == nil {
				return engine.Result{Payload: source}, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}

			if _, err := f.Ledger.GrantCredit(ctx, ec.Order.UserID, source, promoCreditAmount, nil); err != nil {
				return nil, err
			}
			return engine.Result{Payload: source}, nil
		},
		AbortFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			detail, err := detailOf[model.AddPlanDetail](ec)
			if err != nil {
				return nil, err
			}
			if detail.PromoCode == "" {
				return engine.Empty{}, nil
			}
			// 仅收回完全未消耗的促销抵扣；已被账单占用的部分由作废账单回补。
			source := promoSource(detail.PromoCode, ec.Order.OrderNo)
			return engine.Empty{}, ec.DB.
				Where("user_id = ? AND source = ? AND remaining = amount", ec.Order.UserID, source).
				Delete(&model.Credit{}).Error
		},
	}
}

func promoSource(code, orderNo string) string {
	return fmt.Sprintf("promo:%s:order:%s", code, orderNo)
}
