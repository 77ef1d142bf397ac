package model

import "github.com/shopspring/decimal"

// RoundToStep 将 value 对齐到 step 的整数倍（四舍五入）。
// 价格/数量对齐用 decimal 计算，避免二进制浮点在 0.1 类步长上的漂移。
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Round(0).Mul(s).Float64()
	return f
}

// FloorToStep 将 value 向下对齐到 step 的整数倍，用于数量截断。
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}
