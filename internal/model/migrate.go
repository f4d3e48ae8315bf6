package model

// All 返回需要 AutoMigrate 的全部模型，cmd/server 与测试共用。
func All() []any {
	return []any{
		&Order{},
		&OrderStep{},
		&OrderRun{},
		&OrderRunStep{},
		&AddPlanDetail{},
		&RenewPlanDetail{},
		&ChangePlanDetail{},
		&SimSwapDetail{},
		&PortInDetail{},
		&PortOutDetail{},
		&DeactivateDetail{},
		&Subscription{},
		&Offer{},
		&Invoice{},
		&InvoiceItem{},
		&Credit{},
		&CreditUsage{},
	}
}
