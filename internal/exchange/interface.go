package exchange

import (
	"context"
	"errors"
	"time"

	"optiondesk/internal/models"
)

// Категории продуктов Bybit V5
const (
	CategoryOption = "option"
	CategoryLinear = "linear"
)

var (
	// ErrEmptyResult биржа ответила успешно, но без данных
	ErrEmptyResult = errors.New("empty result")
	// ErrBadStatus HTTP статус не 2xx
	ErrBadStatus = errors.New("unexpected http status")
)

// MarketSource публичные рыночные данные, нужные деску.
// Реализуется BybitClient; в тестах сервисов подменяется.
type MarketSource interface {
	// GetInstruments список опционов по базовой монете (все страницы)
	GetInstruments(ctx context.Context, baseCoin string) ([]models.Instrument, error)

	// GetTickers снимок тикеров категории. Для option фильтруется по baseCoin,
	// для linear по symbol (пустой = все).
	GetTickers(ctx context.Context, category, filter string) ([]TickerSnapshot, error)

	// GetOrderBookTop лучший уровень стакана
	GetOrderBookTop(ctx context.Context, category, symbol string) (BookTop, error)

	// GetHistoricalVolatility последняя историческая волатильность за период (дни)
	GetHistoricalVolatility(ctx context.Context, baseCoin string, period int) (HistoricalVolatility, error)

	// GetDeliveryPrices цены поставки истёкших опционов
	GetDeliveryPrices(ctx context.Context, baseCoin string) ([]DeliveryPrice, error)
}

// TickerSnapshot REST-снимок тикера, приведённый к частичному обновлению котировки
type TickerSnapshot struct {
	Symbol string
	Update models.QuoteUpdate
}

// BookTop лучший уровень стакана
type BookTop struct {
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	BidSize float64   `json:"bid_size"`
	Ask     float64   `json:"ask"`
	AskSize float64   `json:"ask_size"`
	Time    time.Time `json:"time"`
}

// HistoricalVolatility значение HV (доля, 0.45 = 45%)
type HistoricalVolatility struct {
	Period int       `json:"period"`
	Value  float64   `json:"value"`
	Time   time.Time `json:"time"`
}

// DeliveryPrice цена поставки опциона на экспирации
type DeliveryPrice struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	DeliveryTime int64   `json:"delivery_time"` // unix ms
}

// ExchangeError ошибка, возвращённая API биржи (retCode != 0)
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap для errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable rate limit биржи (10006) и внутренние ошибки (10016) стоит повторить,
// остальные коды означают неверный запрос
func (e *ExchangeError) Retryable() bool {
	switch e.Code {
	case "10006", "10016", "10000":
		return true
	}
	return false
}
