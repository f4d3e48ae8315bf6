package redis

import "fmt"

// SimPoolKey 某一 SIM 形态的可用 ICCID 池（list）。
func SimPoolKey(simType string) string {
	return fmt.Sprintf("telco:sim:pool:%s", simType)
}

// SimReservationsKey 订单号 → 已预留 ICCID 的映射（hash）。
func SimReservationsKey() string {
	return "telco:sim:reserved"
}

// SimReleaseLockKey 标记某订单是否已做过 ICCID 回收，保证回收只发生一次。
func SimReleaseLockKey(orderNo string) string {
	return fmt.Sprintf("telco:sim:released:%s", orderNo)
}
