package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"telco_orders/internal/model"
)

// 本文件提供本地联调用的桩实现：真实的支付渠道 / 运营商网关 / 税费引擎
// 由部署方注入，这里只保证契约语义（含幂等）方便端到端演示。

// StubPayment 始终成功的支付桩。
type StubPayment struct{}

func (StubPayment) Pay(ctx context.Context, userID int64, order *model.Order, invoice *model.Invoice) error {
	log.Printf("stub payment: user=%d order=%s invoice=%d total=%d", userID, order.OrderNo, invoice.ID, invoice.Total)
	return nil
}

// StubCarrier 生成随机号码 / ICCID 的运营商桩。
type StubCarrier struct{}

func (StubCarrier) ActivatePlan(ctx context.Context, sub *model.Subscription, iccid string) (ActivatePlanResult, error) {
	if iccid == "" {
		iccid = fmt.Sprintf("89860%015d", rand.Int63n(1e15))
	}
	return ActivatePlanResult{
		MSISDN: fmt.Sprintf("+3706%07d", rand.Int63n(1e7)),
		ICCID:  iccid,
	}, nil
}

func (StubCarrier) ChangeSim(ctx context.Context, sub *model.Subscription, iccid string) error {
	log.Printf("stub carrier: change sim sub=%d iccid=%s", sub.ID, iccid)
	return nil
}

func (StubCarrier) ChangePhoneNumber(ctx context.Context, sub *model.Subscription, msisdn string) error {
	log.Printf("stub carrier: change number sub=%d msisdn=%s", sub.ID, msisdn)
	return nil
}

func (StubCarrier) DeactivatePlan(ctx context.Context, sub *model.Subscription) error {
	log.Printf("stub carrier: deactivate sub=%d", sub.ID)
	return nil
}

func (StubCarrier) RequestPortOut(ctx context.Context, sub *model.Subscription, recipientOperator string) (string, error) {
	return fmt.Sprintf("PO-%06d", rand.Int31n(1e6)), nil
}

// StubTax 固定 21% 增值税。
type StubTax struct{}

func (StubTax) CalcForOrder(ctx context.Context, order *model.Order, base int64) ([]TaxLine, error) {
	return []TaxLine{{Label: "VAT 21%", Amount: base * 21 / 100}}, nil
}

// StubRewards 返回伪流水号的积分桩。
type StubRewards struct{}

func (StubRewards) Payout(ctx context.Context, userID int64, wallet, orderNo string) (string, error) {
	return "reward-" + orderNo, nil
}

// StubWallet 不做真实校验的钱包桩：消息可生成，任意非空签名视为有效。
type StubWallet struct{}

func (StubWallet) GenerateMessage(ctx context.Context, wallet, purpose, orderNo string) (string, error) {
	return fmt.Sprintf("%s:%s:%s", purpose, orderNo, wallet), nil
}

func (StubWallet) ValidateSignature(ctx context.Context, wallet, message, signature string) error {
	if signature == "" {
		return ErrInvalidSignature
	}
	return nil
}

func (StubWallet) IssueCertificate(ctx context.Context, wallet string, subscriptionID uint) (string, error) {
	return fmt.Sprintf("cert-%d-%s", subscriptionID, wallet), nil
}

// StubShipping 永远「在途」的寄卡桩：ICCID 由运维带外录入后 SHIPPING 步骤才会通过。
type StubShipping struct{}

func (StubShipping) ShipSim(ctx context.Context, userID int64, orderNo string) error {
	log.Printf("stub shipping: requested sim shipment user=%d order=%s", userID, orderNo)
	return ErrWaitingForShipping
}

// StubNotifier 仅打日志的通知桩。
type StubNotifier struct{}

func (StubNotifier) PaymentFailed(ctx context.Context, userID int64, orderNo, reason string) error {
	log.Printf("stub notify: payment failed user=%d order=%s reason=%s", userID, orderNo, reason)
	return nil
}
