package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики потока рыночных данных
// ============================================================
//
// Метки ограничены классом канала и типом топика: символов опционов
// сотни, метка symbol раздула бы кардинальность.

// FramesReceived - входящие кадры по классу и типу топика
var FramesReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "frames_received_total",
		Help:      "Total number of inbound stream frames",
	},
	[]string{"class", "kind"},
)

// FramesDropped - отброшенные кадры (ошибка разбора, нет подписчиков)
var FramesDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "frames_dropped_total",
		Help:      "Number of inbound frames dropped without delivery",
	},
	[]string{"class", "reason"},
)

// Reconnects - попытки переподключения
var Reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "reconnects_total",
		Help:      "Number of reconnect attempts per channel class",
	},
	[]string{"class", "result"},
)

// ConnectionStatus - 1 если соединение класса открыто
var ConnectionStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "connection_up",
		Help:      "Stream connection status per channel class (1 = open)",
	},
	[]string{"class"},
)

// ActiveSymbols - символы с хотя бы одним подписчиком
var ActiveSymbols = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "active_symbols",
		Help:      "Symbols with at least one subscriber per channel class",
	},
	[]string{"class"},
)

// TickDispatchLatency - время от получения кадра до возврата из callback-ов
var TickDispatchLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "optiondesk",
		Subsystem: "marketdata",
		Name:      "tick_dispatch_latency_ms",
		Help:      "Time to merge and fan out one tick in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 25},
	},
	[]string{"class"},
)

// ============ Вспомогательные функции ============

// RecordFrame записывает входящий кадр
func RecordFrame(class ChannelClass, kind FrameKind) {
	FramesReceived.WithLabelValues(string(class), string(kind)).Inc()
}

// RecordDrop записывает отброшенный кадр
func RecordDrop(class ChannelClass, reason string) {
	FramesDropped.WithLabelValues(string(class), reason).Inc()
}

// RecordReconnect записывает попытку переподключения
func RecordReconnect(class ChannelClass, ok bool) {
	result := "failed"
	if ok {
		result = "success"
	}
	Reconnects.WithLabelValues(string(class), result).Inc()
}

// UpdateConnectionStatus обновляет статус соединения
func UpdateConnectionStatus(class ChannelClass, up bool) {
	if up {
		ConnectionStatus.WithLabelValues(string(class)).Set(1)
	} else {
		ConnectionStatus.WithLabelValues(string(class)).Set(0)
	}
}

// UpdateActiveSymbols обновляет число подписанных символов
func UpdateActiveSymbols(class ChannelClass, count int) {
	ActiveSymbols.WithLabelValues(string(class)).Set(float64(count))
}

// RecordDispatch записывает время обработки тика
func RecordDispatch(class ChannelClass, latencyMs float64) {
	TickDispatchLatency.WithLabelValues(string(class)).Observe(latencyMs)
}
