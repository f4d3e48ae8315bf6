// Package steps 可复用步骤库。Factory 在装配期一次性注入长生命周期协作方，
// 各构造方法按流水线槽位返回轻配置的步骤实例（如通过闭包指定
// 「从订单明细取哪个资费」），同一步骤因此可被多种订单类型复用。
package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
	"telco_orders/internal/services"
)

// 步骤名，写入步骤计划的 type 字段。
const (
	NameSubscription      = "SUBSCRIPTION"
	NameSubscriptionClose = "SUBSCRIPTION_CLOSE"
	NamePromoCodes        = "PROMO_CODES"
	NameCredits           = "CREDITS"
	NameInvoice           = "INVOICE"
	NameBilling           = "BILLING"
	NameShipping          = "SHIPPING"
	NameSim               = "SIM"
	NameCarrier           = "CARRIER"
	NameRewards           = "REWARDS"
	NameCertificates      = "CERTIFICATES"
	NameSign              = "SIGN"
)

// ErrNoSubscription 订单未关联订阅，步骤无法定位操作对象。
var ErrNoSubscription = errors.New("order has no subscription")

// Factory 步骤工厂：协作方绑定一次，步骤实例按槽位生产。
type Factory struct {
	Ledger   *services.Ledger
	Payment  services.Payment
	Carrier  services.Carrier
	Tax      services.Tax
	Rewards  services.Rewards
	Wallet   services.Wallet
	Shipping services.Shipping
	Notifier services.Notifier
	Redis    *rd.Client

	// MissingWalletFatal SIGN 步骤遇到未绑定钱包时：true 硬错误，false 视为可接受结果。
	MissingWalletFatal bool
	// SignRecheck 等待带外签名时的挂起间隔。
	SignRecheck time.Duration
}

func (f *Factory) signRecheck() time.Duration {
	if f.SignRecheck <= 0 {
		return time.Hour
	}
	return f.SignRecheck
}

// Generic 通用步骤（escape hatch）：临时业务逻辑直接以闭包挂入流水线。
func (f *Factory) Generic(name string, run, abort func(ctx context.Context, ec *engine.ExecCtx) (engine.Outcome, error)) engine.Step {
	return engine.StepFunc{StepName: name, RunFn: run, AbortFn: abort}
}

// SimSelector 从订单明细解析 SIM 形态与（可选的）已定 ICCID。
type SimSelector func(ec *engine.ExecCtx) (model.SimType, string, error)

// OfferSelector 从订单明细解析本单适用的资费。
type OfferSelector func(ec *engine.ExecCtx) (uint, error)

// loadSubscription 取订单关联的订阅。
func loadSubscription(ec *engine.ExecCtx) (*model.Subscription, error) {
	if ec.Order.SubscriptionID == nil {
		return nil, ErrNoSubscription
	}
	var sub model.Subscription
	if err := ec.DB.First(&sub, *ec.Order.SubscriptionID).Error; err != nil {
		return nil, fmt.Errorf("load subscription %d: %w", *ec.Order.SubscriptionID, err)
	}
	return &sub, nil
}

// loadOffer 取资费目录项。
func loadOffer(db *gorm.DB, offerID uint) (*model.Offer, error) {
	var offer model.Offer
	if err := db.First(&offer, offerID).Error; err != nil {
		return nil, fmt.Errorf("load offer %d: %w", offerID, err)
	}
	return &offer, nil
}

// detailOf 按订单加载类型明细记录（1:1）。
func detailOf[T any](ec *engine.ExecCtx) (*T, error) {
	var d T
	if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
		return nil, fmt.Errorf("load detail for order %d: %w", ec.Order.ID, err)
	}
	return &d, nil
}
