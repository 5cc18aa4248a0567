package utils

import (
	"math"
)

// math.go - числовые утилиты для оценки опционных позиций
//
// Назначение:
// Вспомогательные функции, общие для pricing, valuation и strategy.
// Все функции чистые (pure functions) без побочных эффектов.
//
// Соглашение: неизвестное значение представляется NaN.
//
// Функции:
// - Approx / ApproxTol: сравнение float с относительным и абсолютным допуском
// - FirstFinite: первая конечная величина из цепочки fallback-ов
// - Mid, SpreadPct: середина и спред двустороннего котирования
// - InterpolateZero: точка пересечения нуля на отрезке (break-even)
// - Linspace: равномерная сетка для графиков

// Допуски по умолчанию для Approx
const (
	DefaultRelTol = 1e-6
	DefaultAbsTol = 1e-9
)

// IsFinite проверяет, что значение не NaN и не ±Inf.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// ApproxTol сравнивает два числа: |a-b| <= max(rel*max(|a|,|b|), abs).
//
// NaN никогда не равен ничему, включая NaN.
func ApproxTol(a, b, rel, abs float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= math.Max(rel*scale, abs)
}

// Approx сравнивает числа с допусками DefaultRelTol / DefaultAbsTol.
func Approx(a, b float64) bool {
	return ApproxTol(a, b, DefaultRelTol, DefaultAbsTol)
}

// FirstFinite возвращает первое конечное значение или NaN.
//
// Примеры:
//   - FirstFinite(NaN, 5, 7) = 5
//   - FirstFinite(NaN, Inf) = NaN
func FirstFinite(values ...float64) float64 {
	for _, v := range values {
		if IsFinite(v) {
			return v
		}
	}
	return math.NaN()
}

// Mid возвращает (bid+ask)/2 если обе стороны известны и положительны, иначе NaN.
func Mid(bid, ask float64) float64 {
	if !IsFinite(bid) || !IsFinite(ask) || bid <= 0 || ask <= 0 {
		return math.NaN()
	}
	return (bid + ask) / 2
}

// SpreadPct расчитывает спред bid/ask в процентах от mid.
//
// Формула:
//
//	Спред (%) = (ask - bid) / mid × 100
//
// Возвращает NaN если котировка не двусторонняя.
func SpreadPct(bid, ask float64) float64 {
	mid := Mid(bid, ask)
	if !IsFinite(mid) {
		return math.NaN()
	}
	return (ask - bid) / mid * 100
}

// InterpolateZero находит x, где отрезок (x0,y0)-(x1,y1) пересекает ноль.
//
// Если y0 == y1 (горизонтальный отрезок) возвращает x0.
func InterpolateZero(x0, y0, x1, y1 float64) float64 {
	if y1 == y0 {
		return x0
	}
	return x0 + (0-y0)*(x1-x0)/(y1-y0)
}

// Linspace возвращает n равномерно распределённых точек от lo до hi включительно.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	out[n-1] = hi
	return out
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
