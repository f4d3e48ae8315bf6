package engine

import "time"

// Outcome 步骤执行结果的三态联合：
//   - Suspend：请求挂起到未来某时刻（等待带外事件），不是错误
//   - Result：携带结果载荷的成功
//   - Empty：无载荷成功，继续推进
// 步骤失败不走 Outcome，直接返回 error 交给订单级重试决策。
type Outcome interface {
	isOutcome()
}

// Suspend 暂停订单，ResumeAt 之后由调度器自然重入。
type Suspend struct {
	ResumeAt time.Time
}

// Result 成功并附带可序列化载荷（记录到步骤结果字段）。
type Result struct {
	Payload string
}

// Empty 成功且无载荷。
type Empty struct{}

func (Suspend) isOutcome() {}
func (Result) isOutcome()  {}
func (Empty) isOutcome()   {}
