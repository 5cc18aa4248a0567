package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/pool"

	"optiondesk/internal/exchange"
	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
	"optiondesk/pkg/utils"
)

// Ошибки рыночного сервиса
var (
	ErrNoVolatility = errors.New("historical volatility is not available")
)

// Ключи кэша
const (
	cacheKeyInstruments = "instruments"
	cacheKeyHV          = "hv"
	cacheKeyDelivery    = "delivery"
)

// MarketConfig настройки рыночного сервиса
type MarketConfig struct {
	BaseCoin         string // BTC
	UnderlyingSymbol string // BTCUSDT, линейный перпетуал для спота
	HVPeriod         int    // дней

	RefreshInterval time.Duration
	InstrumentsTTL  time.Duration
	VolatilityTTL   time.Duration
	DeliveryTTL     time.Duration
	RequestTimeout  time.Duration
}

// DefaultMarketConfig конфигурация по умолчанию
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		BaseCoin:         "BTC",
		UnderlyingSymbol: "BTCUSDT",
		HVPeriod:         30,
		RefreshInterval:  5 * time.Minute,
		InstrumentsTTL:   15 * time.Minute,
		VolatilityTTL:    30 * time.Minute,
		DeliveryTTL:      10 * time.Minute,
		RequestTimeout:   20 * time.Second,
	}
}

// MarketService справочные данные биржи: инструменты, HV, цены поставки,
// а также стартовое наполнение хранилища котировок из REST-снимков.
type MarketService struct {
	source exchange.MarketSource
	store  *marketdata.QuoteStore
	cache  *cache.Cache
	config MarketConfig
	logger *utils.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMarketService создает новый экземпляр сервиса
func NewMarketService(source exchange.MarketSource, store *marketdata.QuoteStore, config MarketConfig, logger *utils.Logger) *MarketService {
	if logger == nil {
		logger = utils.L()
	}
	if config.BaseCoin == "" {
		config.BaseCoin = "BTC"
	}
	if config.InstrumentsTTL <= 0 {
		config.InstrumentsTTL = 15 * time.Minute
	}
	return &MarketService{
		source: source,
		store:  store,
		cache:  cache.New(config.InstrumentsTTL, 2*config.InstrumentsTTL),
		config: config,
		logger: logger.WithComponent("market"),
		stopCh: make(chan struct{}),
	}
}

// Instruments список опционов базовой монеты (из кэша, иначе REST)
func (s *MarketService) Instruments(ctx context.Context) ([]models.Instrument, error) {
	if v, ok := s.cache.Get(cacheKeyInstruments); ok {
		return v.([]models.Instrument), nil
	}
	return s.refreshInstruments(ctx)
}

func (s *MarketService) refreshInstruments(ctx context.Context) ([]models.Instrument, error) {
	insts, err := s.source.GetInstruments(ctx, s.config.BaseCoin)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKeyInstruments, insts, s.config.InstrumentsTTL)
	return insts, nil
}

// Instrument поиск инструмента по символу среди загруженных
func (s *MarketService) Instrument(ctx context.Context, symbol string) (models.Instrument, bool) {
	insts, err := s.Instruments(ctx)
	if err != nil {
		return models.Instrument{}, false
	}
	for _, inst := range insts {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	return models.Instrument{}, false
}

// HistoricalVolatility HV базовой монеты, доля
func (s *MarketService) HistoricalVolatility(ctx context.Context) (float64, error) {
	if v, ok := s.cache.Get(cacheKeyHV); ok {
		return v.(float64), nil
	}
	return s.refreshVolatility(ctx)
}

func (s *MarketService) refreshVolatility(ctx context.Context) (float64, error) {
	hv, err := s.source.GetHistoricalVolatility(ctx, s.config.BaseCoin, s.config.HVPeriod)
	if err != nil {
		if errors.Is(err, exchange.ErrEmptyResult) {
			return 0, ErrNoVolatility
		}
		return 0, err
	}
	if !utils.IsFinite(hv.Value) || hv.Value <= 0 {
		return 0, ErrNoVolatility
	}
	s.cache.Set(cacheKeyHV, hv.Value, s.config.VolatilityTTL)
	return hv.Value, nil
}

// DeliveryPrices цены поставки по экспирации
func (s *MarketService) DeliveryPrices(ctx context.Context) (map[int64]float64, error) {
	if v, ok := s.cache.Get(cacheKeyDelivery); ok {
		return v.(map[int64]float64), nil
	}
	prices, err := s.source.GetDeliveryPrices(ctx, s.config.BaseCoin)
	if err != nil {
		return nil, err
	}
	byExpiry := exchange.DeliveryPriceByExpiry(prices)
	s.cache.Set(cacheKeyDelivery, byExpiry, s.config.DeliveryTTL)
	return byExpiry, nil
}

// SeedQuotes наполняет хранилище REST-снимком тикеров.
// Возвращает число обновлённых символов.
func (s *MarketService) SeedQuotes(ctx context.Context, category, filter string) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	snaps, err := s.source.GetTickers(ctx, category, filter)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		s.store.Merge(snap.Symbol, snap.Update)
	}
	return len(snaps), nil
}

// SeedBookTop наполняет стакан символа REST-снимком лучшего уровня.
// Данные потока не перезаписываются.
func (s *MarketService) SeedBookTop(ctx context.Context, class marketdata.ChannelClass, symbol string) error {
	if s.store == nil {
		return nil
	}
	category := exchange.CategoryOption
	if class == marketdata.ClassLinear {
		category = exchange.CategoryLinear
	}

	top, err := s.source.GetOrderBookTop(ctx, category, symbol)
	if err != nil {
		RecordRefreshError("orderbook")
		return err
	}
	if s.store.SeedBook(symbol, top.Bid, top.Ask) {
		s.logger.Debug("order book seeded", utils.Symbol(symbol), utils.Price(top.Bid))
	}
	return nil
}

// Refresh параллельно обновляет инструменты, HV и снимки тикеров.
// Шаги независимы: ошибка одного не отменяет остальные.
func (s *MarketService) Refresh(ctx context.Context) error {
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	p := pool.New().WithErrors().WithContext(ctx)

	p.Go(func(ctx context.Context) error {
		insts, err := s.refreshInstruments(ctx)
		if err != nil {
			RecordRefreshError("instruments")
			return fmt.Errorf("instruments: %w", err)
		}
		s.logger.Debug("instruments refreshed", utils.Int("count", len(insts)))
		return nil
	})
	p.Go(func(ctx context.Context) error {
		if _, err := s.refreshVolatility(ctx); err != nil {
			RecordRefreshError("volatility")
			return fmt.Errorf("volatility: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		n, err := s.SeedQuotes(ctx, exchange.CategoryOption, s.config.BaseCoin)
		if err != nil {
			RecordRefreshError("option_tickers")
			return fmt.Errorf("option tickers: %w", err)
		}
		s.logger.Debug("option tickers seeded", utils.Int("count", n))
		return nil
	})
	if s.config.UnderlyingSymbol != "" {
		p.Go(func(ctx context.Context) error {
			if _, err := s.SeedQuotes(ctx, exchange.CategoryLinear, s.config.UnderlyingSymbol); err != nil {
				RecordRefreshError("linear_tickers")
				return fmt.Errorf("linear tickers: %w", err)
			}
			return nil
		})
	}

	err := p.Wait()
	if err != nil {
		s.logger.Warn("market refresh incomplete", utils.Err(err), utils.Latency(float64(time.Since(start).Milliseconds())))
	} else {
		s.logger.Info("market data refreshed", utils.Latency(float64(time.Since(start).Milliseconds())))
	}
	return err
}

// Start запускает периодическое обновление. Первое обновление выполняется сразу.
func (s *MarketService) Start(ctx context.Context) {
	interval := s.config.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		_ = s.Refresh(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = s.Refresh(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop останавливает обновление и ждёт завершения
func (s *MarketService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
