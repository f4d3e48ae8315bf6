package model

import (
	"time"

	"gorm.io/gorm"
)

// InvoiceStatus 账单状态。
type InvoiceStatus int

const (
	InvoicePending InvoiceStatus = iota // 待支付
	InvoicePaid                         // 已支付
	InvoiceVoid                         // 已作废（abort 路径）
)

// InvoiceItemKind 账单行项目类型。
type InvoiceItemKind string

const (
	ItemPlan   InvoiceItemKind = "plan"   // 套餐费用
	ItemTax    InvoiceItemKind = "tax"    // 税费
	ItemCredit InvoiceItemKind = "credit" // 抵扣（负数金额）
)

// Invoice 订单账单。Total 为行项目之和，落库时一并计算。
type Invoice struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderID uint          `gorm:"not null;index" json:"order_id"`
	UserID  int64         `gorm:"not null;index" json:"user_id"`
	Status  InvoiceStatus `gorm:"not null;default:0;index" json:"status"`
	Total   int64         `gorm:"not null" json:"total"`

	Items []InvoiceItem `json:"items"`
}

func (Invoice) TableName() string { return "invoices" }

// InvoiceItem 账单行项目，金额单位分，抵扣为负数。
type InvoiceItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	InvoiceID uint            `gorm:"not null;index" json:"invoice_id"`
	Kind      InvoiceItemKind `gorm:"size:16;not null" json:"kind"`
	Label     string          `gorm:"size:128" json:"label"`
	Amount    int64           `gorm:"not null" json:"amount"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }

// Credit 用户可用的抵扣余额（促销、客服补偿等来源），按获得时间从旧到新消耗。
type Credit struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID    int64      `gorm:"not null;index" json:"user_id"`
	Source    string     `gorm:"size:64" json:"source,omitempty"`
	Amount    int64      `gorm:"not null" json:"amount"`
	Remaining int64      `gorm:"not null" json:"remaining"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (Credit) TableName() string { return "credits" }

// CreditUsage 抵扣消耗流水，与账单同事务写入，作废账单时据此回补。
type CreditUsage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CreditID  uint  `gorm:"not null;index" json:"credit_id"`
	InvoiceID uint  `gorm:"not null;index" json:"invoice_id"`
	Amount    int64 `gorm:"not null" json:"amount"`
}

func (CreditUsage) TableName() string { return "credit_usages" }
