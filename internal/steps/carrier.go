package steps

import (
	"context"
	"fmt"
	"time"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
)

// CarrierActivate 在运营商网络侧开通套餐，回写号码 / ICCID 并置订阅在网。
// 幂等：订阅已有号码视为已开通。补偿反向销户。
func (f *Factory) CarrierActivate(sel SimSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.MSISDN != "" {
				return engine.Result{Payload: sub.MSISDN}, nil
			}

			_, iccid, err := sel(ec)
			if err != nil {
				return nil, err
			}

			res, err := f.Carrier.ActivatePlan(ctx, sub, iccid)
			if err != nil {
				return nil, err
			}
			if err := ec.DB.Model(&model.Subscription{}).Where("id = ?", sub.ID).
				Updates(map[string]any{
					"msisdn": res.MSISDN,
					"iccid":  res.ICCID,
					"status": model.SubActive,
				}).Error; err != nil {
				return nil, err
			}
			return engine.Result{Payload: res.MSISDN}, nil
		},
		AbortFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.Status != model.SubActive {
				return engine.Empty{}, nil
			}
			if err := f.Carrier.DeactivatePlan(ctx, sub); err != nil {
				return nil, err
			}
			return engine.Empty{}, ec.DB.Model(&model.Subscription{}).
				Where("id = ?", sub.ID).
				Update("status", model.SubInactive).Error
		},
	}
}

// CarrierChangeSim 网络侧换卡并回写新 ICCID。旧卡换回无意义，补偿为 no-op。
func (f *Factory) CarrierChangeSim(sel SimSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			_, iccid, err := sel(ec)
			if err != nil {
				return nil, err
			}
			if iccid == "" {
				return nil, fmt.Errorf("sim swap: no iccid resolved for order %s", ec.Order.OrderNo)
			}
			if sub.ICCID == iccid {
				return engine.Result{Payload: iccid}, nil
			}
			if err := f.Carrier.ChangeSim(ctx, sub, iccid); err != nil {
				return nil, err
			}
			return engine.Result{Payload: iccid}, ec.DB.Model(&model.Subscription{}).
				Where("id = ?", sub.ID).
				Update("iccid", iccid).Error
		},
	}
}

// CarrierRenew 续费：按资费周期顺延到期时间。
// 幂等以账期为界：同一订单重入时已顺延过则直接通过（以步骤结果为证）。
func (f *Factory) CarrierRenew(offerFrom OfferSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			if ec.Step.Result != "" {
				return engine.Result{Payload: ec.Step.Result}, nil
			}
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			offerID, err := offerFrom(ec)
			if err != nil {
				return nil, err
			}
			offer, err := loadOffer(ec.DB, offerID)
			if err != nil {
				return nil, err
			}

			base := time.Now()
			if sub.ExpiresAt != nil && sub.ExpiresAt.After(base) {
				base = *sub.ExpiresAt
			}
			next := base.AddDate(0, 0, offer.PeriodDays)
			if err := ec.DB.Model(&model.Subscription{}).Where("id = ?", sub.ID).
				Updates(map[string]any{"expires_at": next, "status": model.SubActive}).Error; err != nil {
				return nil, err
			}
			return engine.Result{Payload: "expires_at=" + next.Format(time.RFC3339)}, nil
		},
	}
}

// CarrierChangePlan 变更资费：更新订阅的资费引用。
// 网络侧资费属于计费域配置，无需运营商网关调用。补偿换回原资费。
func (f *Factory) CarrierChangePlan(offerFrom OfferSelector) engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			offerID, err := offerFrom(ec)
			if err != nil {
				return nil, err
			}
			if sub.OfferID == offerID {
				return engine.Result{Payload: fmt.Sprintf("offer=%d", offerID)}, nil
			}
			if err := ec.DB.Model(&model.Subscription{}).Where("id = ?", sub.ID).
				Update("offer_id", offerID).Error; err != nil {
				return nil, err
			}
			return engine.Result{Payload: fmt.Sprintf("offer=%d", offerID)}, nil
		},
	}
}

// CarrierPortIn 携号转入：网络侧改号并回写订阅号码。
func (f *Factory) CarrierPortIn() engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			detail, err := detailOf[model.PortInDetail](ec)
			if err != nil {
				return nil, err
			}
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.MSISDN == detail.MSISDN {
				return engine.Result{Payload: detail.MSISDN}, nil
			}
			if err := f.Carrier.ChangePhoneNumber(ctx, sub, detail.MSISDN); err != nil {
				return nil, err
			}
			return engine.Result{Payload: detail.MSISDN}, ec.DB.Model(&model.Subscription{}).
				Where("id = ?", sub.ID).
				Update("msisdn", detail.MSISDN).Error
		},
	}
}

// CarrierPortOut 携号转出：向运营商申请转出授权码并记录到明细。
// 幂等：授权码已存在则直接返回。号码释放发生在接收方完成接入后，
// 这里不做网络侧注销（由 SUBSCRIPTION_CLOSE 收尾）。
func (f *Factory) CarrierPortOut() engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			detail, err := detailOf[model.PortOutDetail](ec)
			if err != nil {
				return nil, err
			}
			if detail.PortOutCode != "" {
				return engine.Result{Payload: detail.PortOutCode}, nil
			}
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			code, err := f.Carrier.RequestPortOut(ctx, sub, detail.RecipientOperator)
			if err != nil {
				return nil, err
			}
			if err := ec.DB.Model(&model.PortOutDetail{}).Where("id = ?", detail.ID).
				Update("port_out_code", code).Error; err != nil {
				return nil, err
			}
			return engine.Result{Payload: code}, nil
		},
	}
}

// CarrierDeactivate 网络侧销户。幂等：已离网直接通过。
func (f *Factory) CarrierDeactivate() engine.Step {
	return engine.StepFunc{
		StepName: NameCarrier,
		RunFn: func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error) {
			sub, err := loadSubscription(ec)
			if err != nil {
				return nil, err
			}
			if sub.Status == model.SubInactive {
				return engine.Empty{}, nil
			}
			if err := f.Carrier.DeactivatePlan(ctx, sub); err != nil {
				return nil, err
			}
			return engine.Empty{}, nil
		},
	}
}
