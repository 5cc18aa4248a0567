package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RESTRequests - REST запросы по эндпоинту и результату (ok, http_error, api_error, transport_error)
var RESTRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optiondesk",
		Subsystem: "exchange",
		Name:      "rest_requests_total",
		Help:      "Total number of REST requests to the exchange",
	},
	[]string{"endpoint", "result"},
)

// RESTLatency - время ответа REST в миллисекундах
var RESTLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "optiondesk",
		Subsystem: "exchange",
		Name:      "rest_latency_ms",
		Help:      "REST request latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"endpoint"},
)

// RecordRequest записывает результат одного HTTP запроса
func RecordRequest(endpoint, result string, latencyMs float64) {
	RESTRequests.WithLabelValues(endpoint, result).Inc()
	RESTLatency.WithLabelValues(endpoint).Observe(latencyMs)
}
