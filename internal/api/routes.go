package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optiondesk/internal/api/handlers"
	"optiondesk/internal/api/middleware"
	"optiondesk/internal/service"
	"optiondesk/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	DeskService   *service.DeskService
	MarketService *service.MarketService
	Hub           *websocket.Hub

	// Basic auth для /metrics; пусто = без проверки
	MetricsUsername string
	MetricsPassword string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET /rows - оценённые строки позиций
//	├── GET /quotes/{symbol} - снимок котировки
//	├── GET /instruments - опционы базовой монеты
//	└── /positions/
//	    ├── POST / - создать позицию
//	    ├── GET /{id} - получить позицию
//	    ├── PATCH /{id} - избранное, заметка
//	    ├── DELETE /{id} - удалить позицию
//	    ├── PATCH /{id}/legs/{index} - qty, hidden
//	    ├── POST /{id}/legs/{index}/exit - выход из ноги
//	    ├── POST /{id}/settlements - расчёт экспирации
//	    ├── POST /{id}/close - закрытие
//	    └── GET /{id}/payoff - графики
//
// /ws/rows - WebSocket поток строк, /health, /metrics
//
// Middleware: Recovery, Logging, CORS (для всех маршрутов).
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps != nil && deps.DeskService != nil {
		h := handlers.NewPositionHandler(deps.DeskService)

		api.HandleFunc("/rows", h.GetRows).Methods("GET")
		api.HandleFunc("/positions", h.CreatePosition).Methods("POST")
		api.HandleFunc("/positions/{id}", h.GetPosition).Methods("GET")
		api.HandleFunc("/positions/{id}", h.UpdatePosition).Methods("PATCH")
		api.HandleFunc("/positions/{id}", h.DeletePosition).Methods("DELETE")
		api.HandleFunc("/positions/{id}/legs/{index}", h.UpdateLeg).Methods("PATCH")
		api.HandleFunc("/positions/{id}/legs/{index}/exit", h.ExitLeg).Methods("POST")
		api.HandleFunc("/positions/{id}/settlements", h.SettleExpiry).Methods("POST")
		api.HandleFunc("/positions/{id}/close", h.ClosePosition).Methods("POST")
		api.HandleFunc("/positions/{id}/payoff", h.GetPayoff).Methods("GET")

		var instruments handlers.InstrumentSource
		if deps.MarketService != nil {
			instruments = deps.MarketService
		}
		m := handlers.NewMarketHandler(deps.DeskService, instruments)
		api.HandleFunc("/quotes/{symbol}", m.GetQuote).Methods("GET")
		api.HandleFunc("/instruments", m.GetInstruments).Methods("GET")
	}

	if deps != nil && deps.Hub != nil {
		router.HandleFunc("/ws/rows", deps.Hub.ServeWS).Methods("GET")
	}

	var metricsUser, metricsPass string
	if deps != nil {
		metricsUser, metricsPass = deps.MetricsUsername, deps.MetricsPassword
	}
	router.Handle("/metrics", middleware.BasicAuth(metricsUser, metricsPass)(promhttp.Handler())).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
