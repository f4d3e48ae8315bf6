package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"telco_orders/internal/model"
)

// Ledger 账单与抵扣余额的持久化账本。账单与抵扣流水同事务写入，
// 作废账单时按流水原路回补余额。
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// AvailableCredits 用户当前可用抵扣，按获得时间从旧到新排序（贪心消耗顺序）。
func (l *Ledger) AvailableCredits(ctx context.Context, userID int64) ([]model.Credit, error) {
	var out []model.Credit
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0 AND (expires_at IS NULL OR expires_at > ?)", userID, time.Now()).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GrantCredit 发放抵扣（促销、客服补偿）。
func (l *Ledger) GrantCredit(ctx context.Context, userID int64, source string, amount int64, expiresAt *time.Time) (*model.Credit, error) {
	c := &model.Credit{
		UserID:    userID,
		Source:    source,
		Amount:    amount,
		Remaining: amount,
		ExpiresAt: expiresAt,
	}
	if err := l.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// CreateInvoice 为订单生成账单：套餐费用 + 税费 − 抵扣。
// 抵扣贪心消耗最旧可用余额，总额不会低于 0；
// 账单、行项目、抵扣流水、余额扣减在同一事务内落库。
func (l *Ledger) CreateInvoice(ctx context.Context, order *model.Order, planLabel string, planAmount int64, taxes []TaxLine) (*model.Invoice, error) {
	inv := &model.Invoice{
		OrderID: order.ID,
		UserID:  order.UserID,
		Status:  model.InvoicePending,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return err
		}

		total := int64(0)
		addItem := func(kind model.InvoiceItemKind, label string, amount int64) error {
			total += amount
			return tx.Create(&model.InvoiceItem{
				InvoiceID: inv.ID,
				Kind:      kind,
				Label:     label,
				Amount:    amount,
			}).Error
		}

		if err := addItem(model.ItemPlan, planLabel, planAmount); err != nil {
			return err
		}
		for _, t := range taxes {
			if err := addItem(model.ItemTax, t.Label, t.Amount); err != nil {
				return err
			}
		}

		// 贪心消耗最旧的可用抵扣，直到抵平或用完。
		var credits []model.Credit
		if err := tx.Where("user_id = ? AND remaining > 0 AND (expires_at IS NULL OR expires_at > ?)",
			order.UserID, time.Now()).
			Order("created_at ASC, id ASC").
			Find(&credits).Error; err != nil {
			return err
		}
		for _, c := range credits {
			if total <= 0 {
				break
			}
			use := c.Remaining
			if use > total {
				use = total
			}
			if err := tx.Model(&model.Credit{}).Where("id = ?", c.ID).
				Update("remaining", gorm.Expr("remaining - ?", use)).Error; err != nil {
				return err
			}
			if err := tx.Create(&model.CreditUsage{
				CreditID:  c.ID,
				InvoiceID: inv.ID,
				Amount:    use,
			}).Error; err != nil {
				return err
			}
			if err := addItem(model.ItemCredit, c.Source, -use); err != nil {
				return err
			}
		}

		inv.Total = total
		return tx.Model(&model.Invoice{}).Where("id = ?", inv.ID).Update("total", total).Error
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// PendingInvoices 订单下全部待支付账单。
func (l *Ledger) PendingInvoices(ctx context.Context, orderID uint) ([]model.Invoice, error) {
	var out []model.Invoice
	err := l.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, model.InvoicePending).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// InvoiceForOrder 查询订单最近一张未作废账单，不存在时 found=false。
func (l *Ledger) InvoiceForOrder(ctx context.Context, orderID uint) (*model.Invoice, bool, error) {
	var inv model.Invoice
	err := l.db.WithContext(ctx).
		Where("order_id = ? AND status <> ?", orderID, model.InvoiceVoid).
		Order("id DESC").
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &inv, true, nil
}

// MarkPaid 账单支付成功：Pending → Paid（CAS，防重复入账）。
func (l *Ledger) MarkPaid(ctx context.Context, invoiceID uint) error {
	res := l.db.WithContext(ctx).Model(&model.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, model.InvoicePending).
		Update("status", model.InvoicePaid)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("invoice not pending")
	}
	return nil
}

// VoidPending 作废订单下仍待支付的账单并回补已消耗的抵扣。
// 已支付账单不动（退款属于人工流程）。重复调用是 no-op。
func (l *Ledger) VoidPending(ctx context.Context, orderID uint) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []model.Invoice
		if err := tx.Where("order_id = ? AND status = ?", orderID, model.InvoicePending).
			Find(&pending).Error; err != nil {
			return err
		}
		for _, inv := range pending {
			var usages []model.CreditUsage
			if err := tx.Where("invoice_id = ?", inv.ID).Find(&usages).Error; err != nil {
				return err
			}
			for _, u := range usages {
				if err := tx.Model(&model.Credit{}).Where("id = ?", u.CreditID).
					Update("remaining", gorm.Expr("remaining + ?", u.Amount)).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("invoice_id = ?", inv.ID).Delete(&model.CreditUsage{}).Error; err != nil {
				return err
			}
			if err := tx.Model(&model.Invoice{}).Where("id = ?", inv.ID).
				Update("status", model.InvoiceVoid).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
