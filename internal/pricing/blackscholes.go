// Package pricing содержит модель Black-Scholes и решатель implied volatility
// для одного опционного контракта.
//
// Точность рассчитана на поддержку решений, а не на расчёты с биржей:
// нормальное распределение аппроксимируется полиномом Абрамовица-Стегуна.
package pricing

import (
	"math"

	"optiondesk/internal/models"
)

// Epsilon порог, ниже которого время до экспирации и волатильность считаются нулевыми
const Epsilon = 1e-9

// Коэффициенты Abramowitz & Stegun 26.2.17, |ошибка| < 7.5e-8
const (
	asP  = 0.2316419
	asB1 = 0.319381530
	asB2 = -0.356563782
	asB3 = 1.781477937
	asB4 = -1.821255978
	asB5 = 1.330274429
)

// NormPDF плотность стандартного нормального распределения
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// NormCDF функция распределения стандартной нормальной величины
func NormCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 {
		return 1 - NormCDF(-x)
	}
	t := 1 / (1 + asP*x)
	poly := t * (asB1 + t*(asB2+t*(asB3+t*(asB4+t*asB5))))
	return 1 - NormPDF(x)*poly
}

// Intrinsic внутренняя стоимость: Call max(0,S-K), Put max(0,K-S), базовый актив S
func Intrinsic(typ models.OptionType, S, K float64) float64 {
	switch typ {
	case models.OptionCall:
		return math.Max(0, S-K)
	case models.OptionPut:
		return math.Max(0, K-S)
	default:
		return S
	}
}

func d1d2(S, K, T, sigma, r float64) (d1, d2 float64) {
	sqrtT := math.Sqrt(T)
	d1 = (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 = d1 - sigma*sqrtT
	return d1, d2
}

// Price цена европейского опциона по Black-Scholes.
//
// T в годах, sigma и r в долях (0.55 = 55%).
// При T <= Epsilon или sigma <= Epsilon возвращает внутреннюю стоимость.
func Price(typ models.OptionType, S, K, T, sigma, r float64) float64 {
	if typ == models.Underlying {
		return S
	}
	if T <= Epsilon || sigma <= Epsilon || S <= 0 || K <= 0 {
		return Intrinsic(typ, S, K)
	}

	d1, d2 := d1d2(S, K, T, sigma, r)
	discount := math.Exp(-r * T)

	if typ == models.OptionCall {
		return S*NormCDF(d1) - K*discount*NormCDF(d2)
	}
	return K*discount*NormCDF(-d2) - S*NormCDF(-d1)
}
