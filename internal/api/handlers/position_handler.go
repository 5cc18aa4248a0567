package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"optiondesk/internal/models"
	"optiondesk/internal/service"
)

// DeskServiceInterface операции деска, нужные handlers
type DeskServiceInterface interface {
	Rows() ([]service.Row, error)
	GetPosition(id string) (*models.Position, error)
	AddPosition(pos *models.Position) error
	UpdatePosition(id string, patch service.PositionPatch) (*models.Position, error)
	UpdateLeg(id string, index int, patch service.LegPatch) (*models.Position, error)
	DeletePosition(id string) error
	Payoff(ctx context.Context, id string, req service.PayoffRequest) (service.PayoffView, error)
	ExitLeg(id string, index int, price float64) (*models.Position, error)
	SettleExpiry(id string, expiryMs int64, price float64) (*models.Position, error)
	ClosePosition(ctx context.Context, id string) (*models.Position, error)
	Quote(symbol string) (models.Quote, bool)
}

// PositionHandler отвечает за позиции и строки таблицы
//
// Endpoints:
// - GET /api/v1/rows                                  - оценённые строки всех позиций
// - POST /api/v1/positions                            - создание позиции
// - GET /api/v1/positions/{id}                        - позиция
// - PATCH /api/v1/positions/{id}                      - избранное, заметка
// - DELETE /api/v1/positions/{id}                     - удаление
// - PATCH /api/v1/positions/{id}/legs/{index}         - qty, hidden
// - POST /api/v1/positions/{id}/legs/{index}/exit     - ручной выход из ноги
// - POST /api/v1/positions/{id}/settlements           - расчётная цена экспирации
// - POST /api/v1/positions/{id}/close                 - закрытие со снимком
// - GET /api/v1/positions/{id}/payoff                 - графики payoff
type PositionHandler struct {
	desk DeskServiceInterface
	now  func() time.Time
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(desk DeskServiceInterface) *PositionHandler {
	return &PositionHandler{desk: desk, now: time.Now}
}

// GetRows возвращает строки таблицы
// GET /api/v1/rows
func (h *PositionHandler) GetRows(w http.ResponseWriter, r *http.Request) {
	response, err := rowsResponse(h.desk)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, response)
}

// CreatePosition добавляет позицию
// POST /api/v1/positions
//
// Request Body:
//
//	{
//	  "kind": "vertical",
//	  "legs": [
//	    {"symbol": "BTC-27DEC24-60000-C", "qty": 1, "entry_price": 1500},
//	    {"symbol": "BTC-27DEC24-62000-C", "qty": 1, "entry_price": 800}
//	  ],
//	  "entry_credit": 700
//	}
//
// Response:
// - 201 Created: позиция создана
// - 400 Bad Request: невалидные ноги
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	pos, err := req.toPosition(h.now())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.desk.AddPosition(pos); err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pos)
}

// GetPosition возвращает позицию по ID
// GET /api/v1/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.desk.GetPosition(mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// UpdatePosition меняет избранное и заметку
// PATCH /api/v1/positions/{id}
func (h *PositionHandler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	var req UpdatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	pos, err := h.desk.UpdatePosition(mux.Vars(r)["id"], service.PositionPatch{
		Favorite: req.Favorite,
		Note:     req.Note,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// DeletePosition удаляет позицию
// DELETE /api/v1/positions/{id}
//
// Response:
// - 204 No Content: позиция удалена
// - 404 Not Found: позиция не найдена
func (h *PositionHandler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.desk.DeletePosition(mux.Vars(r)["id"]); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateLeg меняет количество или видимость ноги
// PATCH /api/v1/positions/{id}/legs/{index}
func (h *PositionHandler) UpdateLeg(w http.ResponseWriter, r *http.Request) {
	index, ok := legIndex(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_leg_index", "Invalid leg index", "Index must be a non-negative number")
		return
	}

	var req UpdateLegRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	pos, err := h.desk.UpdateLeg(mux.Vars(r)["id"], index, service.LegPatch{
		Qty:    req.Qty,
		Hidden: req.Hidden,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// ExitLeg фиксирует ручной выход из ноги
// POST /api/v1/positions/{id}/legs/{index}/exit
//
// Request Body: {"price": 120.5}
func (h *PositionHandler) ExitLeg(w http.ResponseWriter, r *http.Request) {
	index, ok := legIndex(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid_leg_index", "Invalid leg index", "Index must be a non-negative number")
		return
	}

	var req ExitLegRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}
	if req.Price == nil {
		respondWithError(w, http.StatusBadRequest, "missing_price", "Price is required", "")
		return
	}

	pos, err := h.desk.ExitLeg(mux.Vars(r)["id"], index, *req.Price)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// SettleExpiry записывает расчётную цену экспирации
// POST /api/v1/positions/{id}/settlements
//
// Request Body: {"expiry_ms": 1735286400000, "price": 94000}
func (h *PositionHandler) SettleExpiry(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}
	if req.Price == nil {
		respondWithError(w, http.StatusBadRequest, "missing_price", "Price is required", "")
		return
	}

	pos, err := h.desk.SettleExpiry(mux.Vars(r)["id"], req.ExpiryMs, *req.Price)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// ClosePosition закрывает позицию со снимком спота и реализованного PnL
// POST /api/v1/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.desk.ClosePosition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pos)
}

// GetPayoff графики позиции
// GET /api/v1/positions/{id}/payoff?slider=0.5&lo=50000&hi=70000&points=200
//
// lo/hi не заданы - диапазон подбирается по страйкам и споту.
func (h *PositionHandler) GetPayoff(w http.ResponseWriter, r *http.Request) {
	var req service.PayoffRequest
	var err error

	if req.Slider, err = queryFloat(r, "slider", 0); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_slider", "Invalid slider", err.Error())
		return
	}
	if req.Lo, err = queryFloat(r, "lo", 0); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_range", "Invalid lo", err.Error())
		return
	}
	if req.Hi, err = queryFloat(r, "hi", 0); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_range", "Invalid hi", err.Error())
		return
	}
	points, err := queryFloat(r, "points", 0)
	if err != nil || points < 0 || points > 2000 {
		respondWithError(w, http.StatusBadRequest, "invalid_points", "Points must be within [0, 2000]", "")
		return
	}
	req.Points = int(points)

	view, err := h.desk.Payoff(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payoffToResponse(view))
}
