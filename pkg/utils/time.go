package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Экспирации Bybit приходят в миллисекундах Unix, а модель ценообразования
// работает в годах. Здесь собраны конверсии и границы календарных дней (UTC).

// MillisPerYear количество миллисекунд в году (365 дней)
const MillisPerYear = 365 * 24 * 60 * 60 * 1000

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
//
// Пример:
//
//	// t: 2024-01-15 14:30:45 UTC
//	start := GetDayStartFrom(t)
//	// start: 2024-01-15 00:00:00 UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetDayEndFrom возвращает конец дня (23:59:59.999999999 UTC) для указанного времени
func GetDayEndFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

// SameUTCDay проверяет, что два момента попадают в один календарный день UTC
func SameUTCDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// YearsBetween возвращает длину интервала в годах (365 дней), может быть отрицательной
func YearsBetween(fromMs, toMs int64) float64 {
	return float64(toMs-fromMs) / MillisPerYear
}
