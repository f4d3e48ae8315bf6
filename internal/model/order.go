package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderType 订单业务类型，驱动 Processor 选择。
type OrderType string

const (
	OrderTypeAddPlan        OrderType = "add_plan"
	OrderTypeRenewPlan      OrderType = "renew_plan"
	OrderTypeChangePlan     OrderType = "change_plan"
	OrderTypeSimSwap        OrderType = "sim_swap"
	OrderTypePortIn         OrderType = "port_in"
	OrderTypePortOut        OrderType = "port_out"
	OrderTypeDeactivatePlan OrderType = "deactivate_plan"
)

// OrderStatus 订单状态机。Done/Aborted 为终态，Error 只是等待重试的过渡态。
type OrderStatus int

const (
	OrderDraft      OrderStatus = iota // 草稿，未确认
	OrderConfirmed                     // 已确认，等待生成步骤计划
	OrderPending                       // 步骤计划就绪 / 挂起等待 run_at
	OrderProcessing                    // 调度器正在执行
	OrderError                         // 步骤失败，按退避表等待重试
	OrderDone                          // 正向流程执行完成（终态）
	OrderAborted                       // 已回滚 / 重试耗尽（终态）
)

// String 将状态映射为事件与接口可读语义。
func (s OrderStatus) String() string {
	switch s {
	case OrderDraft:
		return "draft"
	case OrderConfirmed:
		return "confirmed"
	case OrderPending:
		return "pending"
	case OrderProcessing:
		return "processing"
	case OrderError:
		return "error"
	case OrderDone:
		return "done"
	case OrderAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal 返回该状态是否为终态。
func (s OrderStatus) Terminal() bool {
	return s == OrderDone || s == OrderAborted
}

// OrderAction 引擎执行方向：Run 正向推进，Abort 反向补偿。
type OrderAction int

const (
	ActionRun   OrderAction = iota // 正向执行 step.Run
	ActionAbort                    // 反向执行 step.Abort（saga 回滚）
)

func (a OrderAction) String() string {
	if a == ActionAbort {
		return "abort"
	}
	return "run"
}

// Order 订单主记录，stepNo/attempts/runAt 构成可恢复的执行游标。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	Type    OrderType   `gorm:"size:32;not null;index" json:"type"`
	Status  OrderStatus `gorm:"not null;default:0;index" json:"status"`
	Action  OrderAction `gorm:"not null;default:0" json:"action"`

	// StepNo 指向步骤计划中当前位置；nil 表示尚未进入任何步骤。
	StepNo   *int       `json:"step_no"`
	Attempts int        `gorm:"not null;default:0" json:"attempts"`
	RunAt    *time.Time `gorm:"index" json:"run_at"`

	UserID         int64  `gorm:"not null;index" json:"user_id"`
	SubscriptionID *uint  `gorm:"index" json:"subscription_id"`
	LastError      string `gorm:"size:1024" json:"last_error,omitempty"`
}

func (Order) TableName() string { return "orders" }
