package service

import (
	"context"

	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
)

// PositionRepositoryInterface определяет интерфейс репозитория позиций
type PositionRepositoryInterface interface {
	Create(pos *models.Position) error
	GetByID(id string) (*models.Position, error)
	GetAll() ([]*models.Position, error)
	Update(pos *models.Position) error
	Delete(id string) error
	Count() (int, error)
}

// QuoteFeed поток котировок: подписки и хранилище последних снимков.
// Реализуется marketdata.Multiplexer.
type QuoteFeed interface {
	marketdata.Subscriber
	Store() *marketdata.QuoteStore
}

// MarketProvider справочные рыночные данные для деска
type MarketProvider interface {
	// HistoricalVolatility HV базового актива (доля), прокси для ног без mark IV
	HistoricalVolatility(ctx context.Context) (float64, error)
	// DeliveryPrices цены поставки по экспирации (unix ms)
	DeliveryPrices(ctx context.Context) (map[int64]float64, error)
	// SeedBookTop стакан символа до первого кадра потока
	SeedBookTop(ctx context.Context, class marketdata.ChannelClass, symbol string) error
}
