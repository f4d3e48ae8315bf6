package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"telco_orders/internal/model"
)

// ErrAlreadyMaterialized 步骤计划已存在，物化是幂等 no-op。
var ErrAlreadyMaterialized = errors.New("step plan already materialized")

// materializePlan 为订单一次性生成步骤计划并置为 Pending。
// 幂等：已存在计划或订单已不在 Confirmed 时不做任何写入。
func materializePlan(db *gorm.DB, order *model.Order, proc *Processor) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.OrderStep{}).Where("order_id = ?", order.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyMaterialized
		}

		for i, step := range proc.Steps() {
			row := &model.OrderStep{
				OrderID: order.ID,
				StepNo:  i,
				Type:    step.Name(),
				Status:  model.StepPending,
				Action:  model.ActionRun,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}

		// CAS：仅当仍为 Confirmed 时置 Pending，防止并发物化。
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", order.ID, model.OrderConfirmed).
			Update("status", model.OrderPending)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyMaterialized
		}
		return nil
	})
}

// openRun 开启一次新的执行：创建 Run 并对当前步骤计划做快照，
// 游标从订单上一次提交的 step_no 接续。
func openRun(db *gorm.DB, order *model.Order) (*model.OrderRun, error) {
	run := &model.OrderRun{
		RunNo:   uuid.New().String(),
		OrderID: order.ID,
		Action:  order.Action,
		Status:  model.RunProcessing,
		StepNo:  order.StepNo,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}

		var steps []model.OrderStep
		if err := tx.Where("order_id = ?", order.ID).Order("step_no ASC").Find(&steps).Error; err != nil {
			return err
		}
		for _, s := range steps {
			rs := &model.OrderRunStep{
				RunID:   run.ID,
				StepNo:  s.StepNo,
				OrderID: order.ID,
				Type:    s.Type,
				Status:  model.StepPending,
				Action:  order.Action,
			}
			if err := tx.Create(rs).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// beginStep 原子地把四行记录（订单游标、计划步骤、Run 游标、Run 步骤）
// 推进到 Processing。步骤执行本身在该事务之外。
func beginStep(db *gorm.DB, order *model.Order, run *model.OrderRun, stepNo int) (*model.OrderStep, error) {
	var stepRow model.OrderStep
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ? AND step_no = ?", order.ID, stepNo).First(&stepRow).Error; err != nil {
			return fmt.Errorf("load step %d: %w", stepNo, err)
		}

		if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).
			Update("step_no", stepNo).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderStep{}).Where("id = ?", stepRow.ID).
			Updates(map[string]any{
				"status":   model.StepProcessing,
				"action":   run.Action,
				"attempts": gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderRun{}).Where("id = ?", run.ID).
			Update("step_no", stepNo).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderRunStep{}).
			Where("run_id = ? AND step_no = ?", run.ID, stepNo).
			Update("status", model.StepProcessing).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order.StepNo = intPtr(stepNo)
	run.StepNo = intPtr(stepNo)
	stepRow.Status = model.StepProcessing
	return &stepRow, nil
}

// completeStep 原子地把当前步骤标记为 Done 并把游标推进到 nextStepNo。
func completeStep(db *gorm.DB, order *model.Order, run *model.OrderRun, stepNo, nextStepNo int, payload string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).
			Update("step_no", nextStepNo).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderStep{}).
			Where("order_id = ? AND step_no = ?", order.ID, stepNo).
			Updates(map[string]any{
				"status": model.StepDone,
				"result": payload,
				"error":  "",
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderRun{}).Where("id = ?", run.ID).
			Update("step_no", nextStepNo).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.OrderRunStep{}).
			Where("run_id = ? AND step_no = ?", run.ID, stepNo).
			Updates(map[string]any{
				"status": model.StepDone,
				"result": payload,
			}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.StepNo = intPtr(nextStepNo)
	run.StepNo = intPtr(nextStepNo)
	return nil
}

// suspendStep 步骤请求挂起：回到 Pending、游标保持不动，
// 恢复后从同一 step_no 重新执行该步骤。
func suspendStep(db *gorm.DB, order *model.Order, run *model.OrderRun, stepNo int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.OrderStep{}).
			Where("order_id = ? AND step_no = ?", order.ID, stepNo).
			Update("status", model.StepPending).Error; err != nil {
			return err
		}
		return tx.Model(&model.OrderRunStep{}).
			Where("run_id = ? AND step_no = ?", run.ID, stepNo).
			Update("status", model.StepPending).Error
	})
}

// failRun 记录失败：当前步骤标 Error（错误原样序列化到三处），
// 本次 Run 快照内未执行到的步骤标 Skipped（计划步骤保持 Pending 等待重试），
// Run 置 Error。
func failRun(db *gorm.DB, order *model.Order, run *model.OrderRun, stepErr error) error {
	msg := truncate(stepErr.Error(), 1024)
	return db.Transaction(func(tx *gorm.DB) error {
		if order.StepNo != nil {
			if err := tx.Model(&model.OrderStep{}).
				Where("order_id = ? AND step_no = ? AND status = ?", order.ID, *order.StepNo, model.StepProcessing).
				Updates(map[string]any{"status": model.StepError, "error": msg}).Error; err != nil {
				return err
			}
			if err := tx.Model(&model.OrderRunStep{}).
				Where("run_id = ? AND step_no = ? AND status = ?", run.ID, *order.StepNo, model.StepProcessing).
				Updates(map[string]any{"status": model.StepError, "error": msg}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&model.OrderRunStep{}).
			Where("run_id = ? AND status = ?", run.ID, model.StepPending).
			Update("status", model.StepSkipped).Error; err != nil {
			return err
		}
		return tx.Model(&model.OrderRun{}).Where("id = ?", run.ID).
			Updates(map[string]any{"status": model.RunError, "error": msg}).Error
	})
}

// skipRemaining 重试耗尽：把计划内仍为 Pending 的步骤标记 Skipped。
func skipRemaining(db *gorm.DB, order *model.Order, run *model.OrderRun) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.OrderStep{}).
			Where("order_id = ? AND status = ?", order.ID, model.StepPending).
			Update("status", model.StepSkipped).Error; err != nil {
			return err
		}
		return tx.Model(&model.OrderRunStep{}).
			Where("run_id = ? AND status = ?", run.ID, model.StepPending).
			Update("status", model.StepSkipped).Error
	})
}

// finishRun 正常收尾 Run。
func finishRun(db *gorm.DB, run *model.OrderRun, result string) error {
	return db.Model(&model.OrderRun{}).Where("id = ?", run.ID).
		Updates(map[string]any{"status": model.RunDone, "result": result}).Error
}

// refreshPlanAction 执行方向变化时（Run→Abort 或反向），把尚未完成的
// 计划步骤刷新为新方向并回到 Pending，等待新 Run 重放。
func refreshPlanAction(db *gorm.DB, orderID uint, action model.OrderAction) error {
	return db.Model(&model.OrderStep{}).
		Where("order_id = ? AND status IN ?", orderID,
			[]model.StepStatus{model.StepPending, model.StepError, model.StepSkipped, model.StepProcessing}).
		Updates(map[string]any{"action": action, "status": model.StepPending}).Error
}

func intPtr(v int) *int { return &v }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
