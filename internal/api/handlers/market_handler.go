package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"optiondesk/internal/models"
)

// InstrumentSource список инструментов
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// QuoteSource последний снимок котировки символа
type QuoteSource interface {
	Quote(symbol string) (models.Quote, bool)
}

// MarketHandler рыночные данные
//
// Endpoints:
// - GET /api/v1/quotes/{symbol} - снимок котировки из хранилища
// - GET /api/v1/instruments     - опционы базовой монеты
type MarketHandler struct {
	quotes      QuoteSource
	instruments InstrumentSource
}

// NewMarketHandler создает новый MarketHandler
func NewMarketHandler(quotes QuoteSource, instruments InstrumentSource) *MarketHandler {
	return &MarketHandler{quotes: quotes, instruments: instruments}
}

// GetQuote возвращает снимок котировки
// GET /api/v1/quotes/{symbol}
//
// Response:
// - 200 OK: котировка, неизвестные поля null
// - 404 Not Found: по символу ещё не было данных
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	q, ok := h.quotes.Quote(symbol)
	if !ok {
		respondWithError(w, http.StatusNotFound, "quote_not_found", "No quote for symbol", symbol)
		return
	}
	respondWithJSON(w, http.StatusOK, quoteToResponse(q))
}

// GetInstruments возвращает опционы базовой монеты
// GET /api/v1/instruments?expiry_ms=1735286400000
//
// Response:
// - 200 OK: список инструментов
// - 502 Bad Gateway: биржа недоступна
func (h *MarketHandler) GetInstruments(w http.ResponseWriter, r *http.Request) {
	if h.instruments == nil {
		respondWithJSON(w, http.StatusOK, []models.Instrument{})
		return
	}

	insts, err := h.instruments.Instruments(r.Context())
	if err != nil {
		respondWithError(w, http.StatusBadGateway, "exchange_unavailable", "Failed to load instruments", err.Error())
		return
	}

	expiry, err := queryFloat(r, "expiry_ms", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_expiry", "Invalid expiry_ms", err.Error())
		return
	}
	if expiry > 0 {
		filtered := make([]models.Instrument, 0, len(insts))
		for _, inst := range insts {
			if inst.ExpiryMs == int64(expiry) {
				filtered = append(filtered, inst)
			}
		}
		insts = filtered
	}
	if insts == nil {
		insts = []models.Instrument{}
	}
	respondWithJSON(w, http.StatusOK, insts)
}
