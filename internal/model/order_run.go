package model

import (
	"time"

	"gorm.io/gorm"
)

// RunStatus 单次执行（Run）的状态。
type RunStatus int

const (
	RunProcessing RunStatus = iota // 正在执行
	RunDone                        // 本次执行顺利结束（含 Suspend 暂停）
	RunError                       // 本次执行因步骤失败而结束
)

func (s RunStatus) String() string {
	switch s {
	case RunProcessing:
		return "processing"
	case RunDone:
		return "done"
	case RunError:
		return "error"
	default:
		return "unknown"
	}
}

// OrderRun 一次处理尝试。进程崩溃后下一轮调度会开启新的 Run，
// 从订单上一次提交的 step_no 继续，因此它是崩溃恢复的单元。
type OrderRun struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RunNo   string      `gorm:"size:64;uniqueIndex;not null" json:"run_no"`
	OrderID uint        `gorm:"not null;index" json:"order_id"`
	Action  OrderAction `gorm:"not null;default:0" json:"action"`
	Status  RunStatus   `gorm:"not null;default:0" json:"status"`

	StepNo *int   `json:"step_no"`
	Result string `gorm:"size:2048" json:"result,omitempty"`
	Error  string `gorm:"size:1024" json:"error,omitempty"`
}

func (OrderRun) TableName() string { return "order_runs" }

// OrderRunStep Run 范围内的步骤条目：创建 Run 时对步骤计划做快照，
// 用于区分「本次尝试」与订单累计历史的步骤结果。
type OrderRunStep struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RunID  uint `gorm:"not null;uniqueIndex:idx_run_step_no,priority:1" json:"run_id"`
	StepNo int  `gorm:"not null;uniqueIndex:idx_run_step_no,priority:2" json:"step_no"`

	OrderID uint        `gorm:"not null;index" json:"order_id"`
	Type    string      `gorm:"size:64;not null" json:"type"`
	Status  StepStatus  `gorm:"not null;default:0" json:"status"`
	Action  OrderAction `gorm:"not null;default:0" json:"action"`
	Result  string      `gorm:"size:2048" json:"result,omitempty"`
	Error   string      `gorm:"size:1024" json:"error,omitempty"`
}

func (OrderRunStep) TableName() string { return "order_run_steps" }
