package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"optiondesk/internal/models"
	"optiondesk/internal/repository"
	"optiondesk/internal/service"
	"optiondesk/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			utils.L().Warn("failed to encode response", utils.Err(err))
		}
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// handleServiceError преобразует ошибки сервисов в HTTP ответы
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrPositionNotFound):
		respondWithError(w, http.StatusNotFound, "position_not_found", "Position not found", "")

	case errors.Is(err, repository.ErrPositionExists):
		respondWithError(w, http.StatusConflict, "position_exists", "Position already exists", "")

	case errors.Is(err, models.ErrInvalidLeg):
		respondWithError(w, http.StatusBadRequest, "invalid_leg", "Invalid leg", err.Error())

	case errors.Is(err, models.ErrNoLegs):
		respondWithError(w, http.StatusBadRequest, "no_legs", "Position has no legs", "")

	case errors.Is(err, models.ErrLegIndex):
		respondWithError(w, http.StatusBadRequest, "invalid_leg_index", "Leg index out of range", "")

	case errors.Is(err, models.ErrInvalidExitPrice):
		respondWithError(w, http.StatusBadRequest, "invalid_exit_price", "Exit price must be a finite non-negative number", "")

	case errors.Is(err, models.ErrInvalidSettlementPrice):
		respondWithError(w, http.StatusBadRequest, "invalid_settlement_price", "Settlement price must be a finite positive number", "")

	case errors.Is(err, models.ErrLegTerminal):
		respondWithError(w, http.StatusBadRequest, "leg_terminal", "Leg is already exited or settled", "")

	case errors.Is(err, models.ErrAlreadySettled):
		respondWithError(w, http.StatusBadRequest, "already_settled", "Expiry is already settled", "")

	case errors.Is(err, models.ErrUnknownExpiry):
		respondWithError(w, http.StatusBadRequest, "unknown_expiry", "No leg with this expiry", "")

	case errors.Is(err, models.ErrPositionClosed):
		respondWithError(w, http.StatusBadRequest, "position_closed", "Position is closed", "")

	case errors.Is(err, service.ErrInvalidSlider):
		respondWithError(w, http.StatusBadRequest, "invalid_slider", "Slider must be within [0, 1]", "")

	case errors.Is(err, service.ErrInvalidRange):
		respondWithError(w, http.StatusBadRequest, "invalid_range", "Payoff range must satisfy 0 <= lo < hi", "")

	case errors.Is(err, service.ErrNothingToSet):
		respondWithError(w, http.StatusBadRequest, "nothing_to_update", "No fields to update", "")

	default:
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

// legIndex разбирает {index} из пути
func legIndex(r *http.Request) (int, bool) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// queryFloat читает необязательный числовой параметр запроса
func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}
