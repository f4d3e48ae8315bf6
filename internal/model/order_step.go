package model

import (
	"time"

	"gorm.io/gorm"
)

// StepStatus 单个步骤的状态。Skipped 表示重试耗尽后未执行的剩余步骤。
type StepStatus int

const (
	StepPending    StepStatus = iota // 等待执行
	StepProcessing                   // 正在执行
	StepDone                         // 执行成功
	StepError                        // 执行失败（错误已序列化到 Error 字段）
	StepSkipped                      // 因订单终止而跳过
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepProcessing:
		return "processing"
	case StepDone:
		return "done"
	case StepError:
		return "error"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// OrderStep 步骤计划条目：订单离开 Confirmed 时一次性生成，之后组成不变，
// 仅状态 / 结果 / 次数可变。这是跨多次 Run 的累计视图。
type OrderStep struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderID uint `gorm:"not null;uniqueIndex:idx_order_step_no,priority:1" json:"order_id"`
	StepNo  int  `gorm:"not null;uniqueIndex:idx_order_step_no,priority:2" json:"step_no"`

	Type     string      `gorm:"size:64;not null" json:"type"`
	Status   StepStatus  `gorm:"not null;default:0" json:"status"`
	Action   OrderAction `gorm:"not null;default:0" json:"action"`
	Attempts int         `gorm:"not null;default:0" json:"attempts"`
	Result   string      `gorm:"size:2048" json:"result,omitempty"`
	Error    string      `gorm:"size:1024" json:"error,omitempty"`
}

func (OrderStep) TableName() string { return "order_steps" }
