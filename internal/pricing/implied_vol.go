package pricing

import (
	"math"

	"optiondesk/internal/models"
)

// Параметры решателя implied volatility
const (
	VolLow          = 1e-4 // нижняя граница sigma
	VolHigh         = 5.0  // начальная верхняя граница sigma
	VolExpandFactor = 1.8  // множитель расширения верхней границы
	VolMaxExpand    = 20   // максимум расширений

	BisectionMaxIter = 80
	NewtonMaxIter    = 8
	PriceTolerance   = 1e-6 // по невязке цены
	VolTolerance     = 1e-6 // по ширине интервала
	IntrinsicSlack   = 1e-9 // допуск проверки цена >= intrinsic

	newtonStep     = 1e-4  // шаг центральной разности
	newtonMinSlope = 1e-12 // производная меньше считается нулевой
)

// ivProblem входные данные обращения цены
type ivProblem struct {
	typ      models.OptionType
	S, K, T  float64
	r, price float64
}

func (p ivProblem) residual(sigma float64) float64 {
	return Price(p.typ, p.S, p.K, p.T, sigma, p.r) - p.price
}

// ivSolver одна стратегия поиска; ok=false передаёт управление следующей
type ivSolver func(p ivProblem) (sigma float64, ok bool)

// ivChain порядок стратегий, побеждает первая успешная
var ivChain = []ivSolver{solveBisection, solveNewton}

// ImpliedVol обращает цену опциона в волатильность (в долях).
//
// Возвращает ok=false если:
//   - S <= 0, K <= 0, T <= Epsilon или price < 0
//   - цена ниже внутренней стоимости (арбитраж)
//   - ни одна стратегия не нашла решение
//
// Результат best effort: при исчерпании итераций бисекции или Ньютона
// возвращается середина интервала.
func ImpliedVol(typ models.OptionType, S, K, T, price, r float64) (float64, bool) {
	if typ != models.OptionCall && typ != models.OptionPut {
		return 0, false
	}
	if !(S > 0) || !(K > 0) || !(T > Epsilon) || !(price >= 0) || math.IsInf(price, 0) {
		return 0, false
	}
	if price < Intrinsic(typ, S, K)-IntrinsicSlack {
		return 0, false
	}

	p := ivProblem{typ: typ, S: S, K: K, T: T, r: r, price: price}
	for _, solve := range ivChain {
		if sigma, ok := solve(p); ok {
			return sigma, true
		}
	}
	return 0, false
}

// bracket возвращает интервал [lo, hi] с расширенной верхней границей
func bracket(p ivProblem) (lo, hi, fLo, fHi float64) {
	lo, hi = VolLow, VolHigh
	fLo, fHi = p.residual(lo), p.residual(hi)
	for i := 0; fHi < 0 && i < VolMaxExpand; i++ {
		hi *= VolExpandFactor
		fHi = p.residual(hi)
	}
	return lo, hi, fLo, fHi
}

// solveBisection бисекция по sigma. Отказывается только при неверном интервале.
func solveBisection(p ivProblem) (float64, bool) {
	lo, hi, fLo, fHi := bracket(p)

	if math.Abs(fLo) <= PriceTolerance {
		return lo, true
	}
	if math.Abs(fHi) <= PriceTolerance {
		return hi, true
	}
	if math.IsNaN(fLo) || math.IsNaN(fHi) || (fLo > 0) == (fHi > 0) {
		return 0, false
	}

	for i := 0; i < BisectionMaxIter; i++ {
		mid := (lo + hi) / 2
		fMid := p.residual(mid)
		if math.Abs(fMid) <= PriceTolerance || (hi-lo)/2 <= VolTolerance {
			return mid, true
		}
		if (fMid > 0) == (fLo > 0) {
			lo, fLo = mid, fMid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, true
}

// solveNewton метод Ньютона от середины интервала с численной производной
func solveNewton(p ivProblem) (float64, bool) {
	return newtonWithBudget(p, NewtonMaxIter)
}

// newtonWithBudget при исчерпании шагов без сходимости возвращает середину интервала
func newtonWithBudget(p ivProblem, maxIter int) (float64, bool) {
	lo, hi, _, _ := bracket(p)
	mid := (lo + hi) / 2
	sigma := mid

	for i := 0; i < maxIter; i++ {
		f := p.residual(sigma)
		if math.Abs(f) <= PriceTolerance {
			return sigma, true
		}

		h := math.Min(newtonStep, sigma/2)
		slope := (p.residual(sigma+h) - p.residual(sigma-h)) / (2 * h)
		if math.IsNaN(slope) || math.IsInf(slope, 0) || math.Abs(slope) < newtonMinSlope {
			return 0, false
		}

		sigma -= f / slope
		if !(sigma > 0) || math.IsInf(sigma, 0) {
			return 0, false
		}
	}

	if math.Abs(p.residual(sigma)) <= PriceTolerance {
		return sigma, true
	}
	return mid, true
}
