// Package services 定义步骤依赖的外部协作方契约。支付、网络运营商、
// 税费、积分、钱包、寄卡、通知的内部实现不在本系统范围内；
// 引擎只关心「返回结果或返回错误」，对错误来源一视同仁。
package services

import (
	"context"
	"errors"

	"telco_orders/internal/model"
)

var (
	// ErrWaitingForShipping 实体 SIM 已安排寄送但尚未送达 / 未录入 ICCID。
	ErrWaitingForShipping = errors.New("waiting_for_shipping")
	// ErrPaymentDeclined 支付被拒。
	ErrPaymentDeclined = errors.New("payment_declined")
	// ErrNoWallet 用户未绑定钱包。
	ErrNoWallet = errors.New("no_linked_wallet")
	// ErrInvalidSignature 签名校验失败。
	ErrInvalidSignature = errors.New("invalid_signature")
)

// Payment 支付渠道：按账单扣款。
type Payment interface {
	Pay(ctx context.Context, userID int64, order *model.Order, invoice *model.Invoice) error
}

// ActivatePlanResult 开通结果：分配的号码与（eSIM 时）写卡用 ICCID。
type ActivatePlanResult struct {
	MSISDN string
	ICCID  string
}

// Carrier 网络运营商侧的开通 / 换卡 / 携号 / 销户。
type Carrier interface {
	ActivatePlan(ctx context.Context, sub *model.Subscription, iccid string) (ActivatePlanResult, error)
	ChangeSim(ctx context.Context, sub *model.Subscription, iccid string) error
	ChangePhoneNumber(ctx context.Context, sub *model.Subscription, msisdn string) error
	DeactivatePlan(ctx context.Context, sub *model.Subscription) error
	RequestPortOut(ctx context.Context, sub *model.Subscription, recipientOperator string) (portOutCode string, err error)
}

// TaxLine 一条税费行项目。
type TaxLine struct {
	Label  string
	Amount int64
}

// Tax 税费引擎。
type Tax interface {
	CalcForOrder(ctx context.Context, order *model.Order, base int64) ([]TaxLine, error)
}

// Rewards 积分账本：发放订单奖励，返回流水号。
type Rewards interface {
	Payout(ctx context.Context, userID int64, wallet, orderNo string) (string, error)
}

// Wallet 数字签名 / 钱包侧：生成待签消息、校验签名、签发证书。
type Wallet interface {
	GenerateMessage(ctx context.Context, wallet, purpose, orderNo string) (string, error)
	ValidateSignature(ctx context.Context, wallet, message, signature string) error
	IssueCertificate(ctx context.Context, wallet string, subscriptionID uint) (string, error)
}

// Shipping 实体 SIM 寄送。重复调用同一订单必须幂等；
// 寄送在途时返回 ErrWaitingForShipping。
type Shipping interface {
	ShipSim(ctx context.Context, userID int64, orderNo string) error
}

// Notifier 用户通知出口（短信 / push / 邮件由实现方决定）。
type Notifier interface {
	PaymentFailed(ctx context.Context, userID int64, orderNo, reason string) error
}
