package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики деска
// ============================================================

// PositionsGauge - позиции по статусу (open, closed)
var PositionsGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "optiondesk",
		Subsystem: "desk",
		Name:      "positions",
		Help:      "Number of stored positions by status",
	},
	[]string{"status"},
)

// Settlements - записанные расчёты экспираций (source: manual, auto)
var Settlements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "desk",
		Name:      "settlements_total",
		Help:      "Total number of recorded expiry settlements",
	},
	[]string{"source"},
)

// RowsLatency - время расчёта строк таблицы
var RowsLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "optiondesk",
		Subsystem: "desk",
		Name:      "rows_latency_ms",
		Help:      "Time to value and classify all positions in milliseconds",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
	},
)

// RefreshErrors - ошибки фонового обновления рыночных данных по шагу
var RefreshErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "market",
		Name:      "refresh_errors_total",
		Help:      "Number of failed background refresh steps",
	},
	[]string{"step"},
)

// CaptureTimeouts - закрытия, для которых свежий тик не пришёл вовремя
var CaptureTimeouts = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "desk",
		Name:      "capture_timeouts_total",
		Help:      "Number of close snapshots taken from stored quotes after capture timeout",
	},
)

// UpdatePositionCounts выставляет число открытых и закрытых позиций
func UpdatePositionCounts(open, closed int) {
	PositionsGauge.WithLabelValues("open").Set(float64(open))
	PositionsGauge.WithLabelValues("closed").Set(float64(closed))
}

// RecordSettlement учитывает расчёт экспирации
func RecordSettlement(source string) {
	Settlements.WithLabelValues(source).Inc()
}

// RecordRefreshError учитывает ошибку шага обновления
func RecordRefreshError(step string) {
	RefreshErrors.WithLabelValues(step).Inc()
}
