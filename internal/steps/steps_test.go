package steps

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"telco_orders/internal/engine"
	"telco_orders/internal/model"
	"telco_orders/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "steps_test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func newExecCtx(t *testing.T, db *gorm.DB, typ model.OrderType) *engine.ExecCtx {
	t.Helper()
	order := &model.Order{
		OrderNo: "TO-steps-test",
		Type:    typ,
		Status:  model.OrderProcessing,
		UserID:  42,
	}
	require.NoError(t, db.Create(order).Error)
	return &engine.ExecCtx{
		DB:    db,
		Order: order,
		Run:   &model.OrderRun{OrderID: order.ID},
		Step:  &model.OrderStep{OrderID: order.ID},
	}
}

func linkSubscription(t *testing.T, db *gorm.DB, ec *engine.ExecCtx, sub *model.Subscription) {
	t.Helper()
	sub.UserID = ec.Order.UserID
	require.NoError(t, db.Create(sub).Error)
	ec.Order.SubscriptionID = &sub.ID
	require.NoError(t, db.Model(ec.Order).Update("subscription_id", sub.ID).Error)
}

// ---- 协作方 fake ----

type fakePayment struct {
	err   error
	calls int
}

func (p *fakePayment) Pay(_ context.Context, _ int64, _ *model.Order, _ *model.Invoice) error {
	p.calls++
	return p.err
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) PaymentFailed(_ context.Context, _ int64, _, _ string) error {
	n.calls++
	return nil
}

type fakeShipping struct {
	err   error
	calls int
}

func (s *fakeShipping) ShipSim(_ context.Context, _ int64, _ string) error {
	s.calls++
	return s.err
}

type fakeRewards struct {
	txID  string
	calls int
}

func (r *fakeRewards) Payout(_ context.Context, _ int64, _, _ string) (string, error) {
	r.calls++
	return r.txID, nil
}

type fakeWallet struct {
	message     string
	validateErr error

	genCalls int
	valCalls int
}

func (w *fakeWallet) GenerateMessage(_ context.Context, _, _, _ string) (string, error) {
	w.genCalls++
	return w.message, nil
}

func (w *fakeWallet) ValidateSignature(_ context.Context, _, _, _ string) error {
	w.valCalls++
	return w.validateErr
}

func (w *fakeWallet) IssueCertificate(_ context.Context, _ string, _ uint) (string, error) {
	return "cert-001", nil
}

// ---- BILLING ----

func TestBillingNotifiesOnlyOnFirstAttempt(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	ledger := services.NewLedger(db)
	_, err := ledger.CreateInvoice(context.Background(), ec.Order, "Plan M", 1000, nil)
	require.NoError(t, err)

	payment := &fakePayment{err: services.ErrPaymentDeclined}
	notifier := &fakeNotifier{}
	f := &Factory{Ledger: ledger, Payment: payment, Notifier: notifier}
	step := f.Billing()

	// 第一次失败通知用户
	ec.Order.Attempts = 1
	_, err = step.Run(context.Background(), ec)
	require.ErrorIs(t, err, services.ErrPaymentDeclined)
	assert.Equal(t, 1, notifier.calls)

	// 重试期间不再打扰
	ec.Order.Attempts = 2
	_, err = step.Run(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, 1, notifier.calls)

	// 支付恢复后入账
	payment.err = nil
	out, err := step.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "paid_invoices=1"}, out)

	// 已无待支付账单，重入是结果而非动作
	out, err = step.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "nothing_to_pay"}, out)
}

// ---- SHIPPING / SIM ----

func fixedSim(simType model.SimType, iccid string) SimSelector {
	return func(_ *engine.ExecCtx) (model.SimType, string, error) {
		return simType, iccid, nil
	}
}

func TestShippingStepESIMNeedsNoShipping(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	ship := &fakeShipping{}
	f := &Factory{Shipping: ship}

	out, err := f.ShippingStep(fixedSim(model.SimESIM, "")).Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "esim_no_shipping"}, out)
	assert.Zero(t, ship.calls)
}

func TestShippingStepRecordedICCIDMeansDelivered(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	ship := &fakeShipping{}
	f := &Factory{Shipping: ship}

	// 运维已录入 ICCID：寄送闭环，不再向寄送方下单
	out, err := f.ShippingStep(fixedSim(model.SimPhysical, "8986001000001")).Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "sim_delivered"}, out)
	assert.Zero(t, ship.calls)
}

func TestShippingStepInTransitPropagatesWait(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	ship := &fakeShipping{err: services.ErrWaitingForShipping}
	f := &Factory{Shipping: ship}
	step := f.ShippingStep(fixedSim(model.SimPhysical, ""))

	// 在途：下寄送单并把等待作为错误上抛，交给订单级退避重试
	_, err := step.Run(context.Background(), ec)
	require.ErrorIs(t, err, services.ErrWaitingForShipping)
	assert.Equal(t, 1, ship.calls)

	// 重试期间重复下单由寄送方幂等兜底
	_, err = step.Run(context.Background(), ec)
	require.ErrorIs(t, err, services.ErrWaitingForShipping)
	assert.Equal(t, 2, ship.calls)

	// 寄送方确认送达后放行
	ship.err = nil
	out, err := step.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "sim_delivered"}, out)
}

func TestSimUsesRecordedICCIDWithoutPool(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	// Redis 未注入：明细已带 ICCID 时不触达号池
	f := &Factory{}

	out, err := f.Sim(fixedSim(model.SimPhysical, "8986001000001"), func(_ *engine.ExecCtx, _ string) error {
		t.Fatal("recorded iccid must not be overwritten")
		return nil
	}).Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "8986001000001"}, out)
}

// ---- REWARDS / CERTIFICATES ----

func TestRewardsSkipsNonBaseSubscription(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	parent := uint(99)
	linkSubscription(t, db, ec, &model.Subscription{ParentID: &parent, WalletAddress: "0xabc"})

	rewards := &fakeRewards{txID: "tx-1"}
	f := &Factory{Rewards: rewards}

	out, err := f.RewardsStep().Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "not_base_subscription"}, out)
	assert.Zero(t, rewards.calls)
}

func TestRewardsSkipsWithoutWallet(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	linkSubscription(t, db, ec, &model.Subscription{})

	rewards := &fakeRewards{txID: "tx-1"}
	f := &Factory{Rewards: rewards}

	out, err := f.RewardsStep().Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "no_linked_wallet"}, out)
	assert.Zero(t, rewards.calls)
}

func TestRewardsPayoutIdempotent(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	linkSubscription(t, db, ec, &model.Subscription{WalletAddress: "0xabc"})

	rewards := &fakeRewards{txID: "tx-1"}
	f := &Factory{Rewards: rewards}

	out, err := f.RewardsStep().Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "tx-1"}, out)
	assert.Equal(t, 1, rewards.calls)

	// 流水号已落入步骤结果，重入不再重复发放
	ec.Step.Result = "tx-1"
	out, err = f.RewardsStep().Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "tx-1"}, out)
	assert.Equal(t, 1, rewards.calls)
}

// ---- SIGN ----

func portInSignHooks() (func(ec *engine.ExecCtx) (SignState, error), func(ec *engine.ExecCtx, msg string) error) {
	load := func(ec *engine.ExecCtx) (SignState, error) {
		var d model.PortInDetail
		if err := ec.DB.Where("order_id = ?", ec.Order.ID).First(&d).Error; err != nil {
			return SignState{}, err
		}
		return SignState{Message: d.SignMessage, Signature: d.Signature}, nil
	}
	save := func(ec *engine.ExecCtx, msg string) error {
		return ec.DB.Model(&model.PortInDetail{}).
			Where("order_id = ?", ec.Order.ID).
			Update("sign_message", msg).Error
	}
	return load, save
}

func TestSignSuspendsUntilSignatureArrives(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypePortIn)
	linkSubscription(t, db, ec, &model.Subscription{WalletAddress: "0xabc"})
	detail := &model.PortInDetail{MSISDN: "31612345678", DonorOperator: "acme"}
	detail.OrderID = ec.Order.ID
	require.NoError(t, db.Create(detail).Error)

	wallet := &fakeWallet{message: "sign me"}
	f := &Factory{Wallet: wallet, SignRecheck: 30 * time.Minute}
	load, save := portInSignHooks()
	step := f.Sign("port_in", load, save)

	// 首次执行：生成消息并挂起
	out, err := step.Run(context.Background(), ec)
	require.NoError(t, err)
	susp, ok := out.(engine.Suspend)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), susp.ResumeAt, time.Second)
	assert.Equal(t, 1, wallet.genCalls)

	var got model.PortInDetail
	require.NoError(t, db.Where("order_id = ?", ec.Order.ID).First(&got).Error)
	assert.Equal(t, "sign me", got.SignMessage)

	// 签名尚未回填：继续挂起，不重复生成消息
	out, err = step.Run(context.Background(), ec)
	require.NoError(t, err)
	_, ok = out.(engine.Suspend)
	require.True(t, ok)
	assert.Equal(t, 1, wallet.genCalls)

	// 带外回填签名后校验通过
	require.NoError(t, db.Model(&model.PortInDetail{}).
		Where("order_id = ?", ec.Order.ID).Update("signature", "sig-ok").Error)
	out, err = step.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "signed"}, out)
	assert.Equal(t, 1, wallet.valCalls)
}

func TestSignMissingWalletByConfig(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypePortIn)
	linkSubscription(t, db, ec, &model.Subscription{})

	load, save := portInSignHooks()

	// 默认：未绑定钱包是可接受结果
	f := &Factory{Wallet: &fakeWallet{}}
	out, err := f.Sign("port_in", load, save).Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, engine.Result{Payload: "no_linked_wallet"}, out)

	// 配置为硬错误
	f.MissingWalletFatal = true
	_, err = f.Sign("port_in", load, save).Run(context.Background(), ec)
	assert.ErrorIs(t, err, services.ErrNoWallet)
}

// ---- PROMO_CODES ----

func TestPromoCodesGrantOnce(t *testing.T) {
	db := newTestDB(t)
	ec := newExecCtx(t, db, model.OrderTypeAddPlan)
	detail := &model.AddPlanDetail{OfferID: 1, SimType: model.SimESIM, PromoCode: "WELCOME"}
	detail.OrderID = ec.Order.ID
	require.NoError(t, db.Create(detail).Error)

	f := &Factory{Ledger: services.NewLedger(db)}
	step := f.PromoCodes()

	_, err := step.Run(context.Background(), ec)
	require.NoError(t, err)
	// 重入不重复发放
	_, err = step.Run(context.Background(), ec)
	require.NoError(t, err)

	var credits []model.Credit
	require.NoError(t, db.Where("user_id = ?", ec.Order.UserID).Find(&credits).Error)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(promoCreditAmount), credits[0].Amount)

	// 未消耗的促销抵扣在补偿时收回
	_, err = step.Abort(context.Background(), ec)
	require.NoError(t, err)
	require.NoError(t, db.Where("user_id = ?", ec.Order.UserID).Find(&credits).Error)
	assert.Empty(t, credits)
}
