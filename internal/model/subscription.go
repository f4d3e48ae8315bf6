package model

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionStatus 签约状态。
type SubscriptionStatus int

const (
	SubCreated  SubscriptionStatus = iota // 已创建，未在网
	SubActive                             // 已在网
	SubInactive                           // 已销户
)

// Subscription 用户与套餐的签约关系。ParentID 非空表示附属订阅
// （如副卡 / 共享套餐），仅无父级的基础订阅参与积分与证书发放。
type Subscription struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID   int64              `gorm:"not null;index" json:"user_id"`
	OfferID  uint               `gorm:"not null" json:"offer_id"`
	ParentID *uint              `gorm:"index" json:"parent_id"`
	Status   SubscriptionStatus `gorm:"not null;default:0" json:"status"`

	MSISDN string `gorm:"size:20;index" json:"msisdn,omitempty"`
	ICCID  string `gorm:"column:iccid;size:32" json:"iccid,omitempty"`
	// WalletAddress 为空表示用户未绑定钱包，积分 / 证书 / 签名相关步骤按配置降级。
	WalletAddress string     `gorm:"size:128" json:"wallet_address,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Offer 资费目录项，金额单位分。
type Offer struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name         string `gorm:"size:128;not null" json:"name"`
	MonthlyPrice int64  `gorm:"not null" json:"monthly_price"`
	DataMB       int64  `gorm:"not null;default:0" json:"data_mb"`
	PeriodDays   int    `gorm:"not null;default:30" json:"period_days"`
}

func (Offer) TableName() string { return "offers" }
