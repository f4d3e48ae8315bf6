// Package processors 把步骤库装配成各订单类型的流水线并注册到引擎。
// 同一步骤在不同流水线里通过选择器闭包读取各自的明细字段，
// 这是步骤复用的唯一配置点。
package processors

import (
	"fmt"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
	"telco_orders/internal/steps"
)

// BuildRegistry 构建全部 7 种订单类型的 Processor 注册表。
func BuildRegistry(f *steps.Factory) *engine.Registry {
	return engine.NewRegistry(
		engine.NewProcessor(model.OrderTypeAddPlan,
			f.Subscription(),
			f.PromoCodes(),
			f.Credits(),
			f.Invoice(addPlanOffer),
			f.Billing(),
			f.ShippingStep(addPlanSim),
			f.Sim(addPlanSim, recordAddPlanICCID),
			f.CarrierActivate(addPlanSim),
			f.RewardsStep(),
			f.Certificates(),
		),
		engine.NewProcessor(model.OrderTypeRenewPlan,
			f.Credits(),
			f.Invoice(renewPlanOffer),
			f.Billing(),
			f.CarrierRenew(renewPlanOffer),
			f.RewardsStep(),
		),
		engine.NewProcessor(model.OrderTypeChangePlan,
			f.Invoice(changePlanOffer),
			f.Billing(),
			f.CarrierChangePlan(changePlanOffer),
		),
		engine.NewProcessor(model.OrderTypeSimSwap,
			f.ShippingStep(simSwapSim),
			f.Sim(simSwapSim, recordSimSwapICCID),
			f.CarrierChangeSim(simSwapSim),
		),
		engine.NewProcessor(model.OrderTypePortIn,
			f.Sign("port_in", loadPortInSign, savePortInMessage),
			f.CarrierPortIn(),
			f.Certificates(),
		),
		engine.NewProcessor(model.OrderTypePortOut,
			f.Sign("port_out", loadPortOutSign, savePortOutMessage),
			f.CarrierPortOut(),
			f.SubscriptionClose(),
		),
		engine.NewProcessor(model.OrderTypeDeactivatePlan,
			f.CarrierDeactivate(),
			f.SubscriptionClose(),
		),
	)
}

// ---- add_plan ----

func addPlanDetail(ec *engine.ExecCtx) (*model.AddPlanDetail, error) {
	var d model.AddPlanDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return nil, fmt.Errorf("add_plan detail for order %d: %w", ec.Order.ID, err)
	}
	return &d, nil
}

func addPlanOffer(ec *engine.ExecCtx) (uint, error) {
	d, err := addPlanDetail(ec)
	if err != nil {
		return 0, err
	}
	return d.OfferID, nil
}

func addPlanSim(ec *engine.ExecCtx) (model.SimType, string, error) {
	d, err := addPlanDetail(ec)
	if err != nil {
		return "", "", err
	}
	return d.SimType, d.ICCID, nil
}

func recordAddPlanICCID(ec *engine.ExecCtx, iccid string) error {
	return ec.DB.Model(&model.AddPlanDetail{}).
		Where("order_id = ?", ec.Order.ID).
		Update("iccid", iccid).Error
}

// ---- renew_plan / change_plan ----

func renewPlanOffer(ec *engine.ExecCtx) (uint, error) {
	var d model.RenewPlanDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return 0, fmt.Errorf("renew_plan detail for order %d: %w", ec.Order.ID, err)
	}
	return d.OfferID, nil
}

func changePlanOffer(ec *engine.ExecCtx) (uint, error) {
	var d model.ChangePlanDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return 0, fmt.Errorf("change_plan detail for order %d: %w", ec.Order.ID, err)
	}
	return d.NewOfferID, nil
}

// ---- sim_swap ----

func simSwapSim(ec *engine.ExecCtx) (model.SimType, string, error) {
	var d model.SimSwapDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return "", "", fmt.Errorf("sim_swap detail for order %d: %w", ec.Order.ID, err)
	}
	return d.SimType, d.ICCID, nil
}

func recordSimSwapICCID(ec *engine.ExecCtx, iccid string) error {
	return ec.DB.Model(&model.SimSwapDetail{}).
		Where("order_id = ?", ec.Order.ID).
		Update("iccid", iccid).Error
}

// ---- port_in / port_out 签名进度 ----

func loadPortInSign(ec *engine.ExecCtx) (steps.SignState, error) {
	var d model.PortInDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return steps.SignState{}, fmt.Errorf("port_in detail for order %d: %w", ec.Order.ID, err)
	}
	return steps.SignState{Message: d.SignMessage, Signature: d.Signature}, nil
}

func savePortInMessage(ec *engine.ExecCtx, msg string) error {
	return ec.DB.Model(&model.PortInDetail{}).
		Where("order_id = ?", ec.Order.ID).
		Update("sign_message", msg).Error
}

func loadPortOutSign(ec *engine.ExecCtx) (steps.SignState, error) {
	var d model.PortOutDetail
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return steps.SignState{}, fmt.Errorf("port_out detail for order %d: %w", ec.Order.ID, err)
	}
	return steps.SignState{Message: d.SignMessage, Signature: d.Signature}, nil
}

func savePortOutMessage(ec *engine.ExecCtx, msg string) error {
	return ec.DB.Model(&model.PortOutDetail{}).
		Where("order_id = ?", ec.Order.ID).
		Update("sign_message", msg).Error
}
