package model

import (
	"time"

	"gorm.io/gorm"
)

// SimType SIM 卡形态。实体卡需要邮寄（SHIPPING 步骤），eSIM 即时开通。
type SimType string

const (
	SimPhysical SimType = "physical"
	SimESIM     SimType = "esim"
)

// DetailBase 各订单类型明细记录的公共字段。每个订单恰有一条与 Type 匹配的明细。
type DetailBase struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderID uint `gorm:"not null;uniqueIndex" json:"order_id"`
}

// AddPlanDetail 开通套餐：选择的资费、SIM 形态，实体卡可预选 ICCID。
type AddPlanDetail struct {
	DetailBase

	OfferID   uint    `gorm:"not null" json:"offer_id"`
	SimType   SimType `gorm:"size:16;not null" json:"sim_type"`
	ICCID     string  `gorm:"column:iccid;size:32" json:"iccid,omitempty"`
	PromoCode string  `gorm:"size:32" json:"promo_code,omitempty"`
}

func (AddPlanDetail) TableName() string { return "add_plan_details" }

// RenewPlanDetail 续费套餐。
type RenewPlanDetail struct {
	DetailBase

	OfferID uint `gorm:"not null" json:"offer_id"`
}

func (RenewPlanDetail) TableName() string { return "renew_plan_details" }

// ChangePlanDetail 变更资费。
type ChangePlanDetail struct {
	DetailBase

	NewOfferID uint `gorm:"not null" json:"new_offer_id"`
}

func (ChangePlanDetail) TableName() string { return "change_plan_details" }

// SimSwapDetail 换卡：新 SIM 形态，实体卡可预选 ICCID。
type SimSwapDetail struct {
	DetailBase

	SimType SimType `gorm:"size:16;not null" json:"sim_type"`
	ICCID   string  `gorm:"column:iccid;size:32" json:"iccid,omitempty"`
}

func (SimSwapDetail) TableName() string { return "sim_swap_details" }

// PortInDetail 携号转入：号码、原运营商与待签署的授权信息。
type PortInDetail struct {
	DetailBase

	MSISDN        string `gorm:"size:20;not null" json:"msisdn"`
	DonorOperator string `gorm:"size:64;not null" json:"donor_operator"`
	// SignMessage/Signature 由 SIGN 步骤生成与带外回填。
	SignMessage string `gorm:"size:512" json:"sign_message,omitempty"`
	Signature   string `gorm:"size:512" json:"signature,omitempty"`
}

func (PortInDetail) TableName() string { return "port_in_details" }

// PortOutDetail 携号转出：目标运营商与转出授权码。
type PortOutDetail struct {
	DetailBase

	RecipientOperator string `gorm:"size:64;not null" json:"recipient_operator"`
	PortOutCode       string `gorm:"size:32" json:"port_out_code,omitempty"`
	SignMessage       string `gorm:"size:512" json:"sign_message,omitempty"`
	Signature         string `gorm:"size:512" json:"signature,omitempty"`
}

func (PortOutDetail) TableName() string { return "port_out_details" }

// DeactivateDetail 销户原因。
type DeactivateDetail struct {
	DetailBase

	Reason string `gorm:"size:255" json:"reason,omitempty"`
}

func (DeactivateDetail) TableName() string { return "deactivate_details" }
