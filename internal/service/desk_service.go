package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
	"optiondesk/internal/repository"
	"optiondesk/internal/strategy"
	"optiondesk/internal/valuation"
	"optiondesk/pkg/utils"
)

// Ошибки сервиса деска
var (
	ErrInvalidRange  = errors.New("payoff range must satisfy 0 <= lo < hi")
	ErrInvalidSlider = errors.New("slider must be within [0, 1]")
	ErrNothingToSet  = errors.New("no fields to update")
)

// DefaultHVProxy волатильность на случай, когда нет ни mark IV, ни HV
const DefaultHVProxy = 0.6

const (
	bookSeedTimeout     = 10 * time.Second
	bookSeedConcurrency = 4
)

// DeskConfig настройки деска
type DeskConfig struct {
	// UnderlyingSymbol линейный контракт, дающий спот (BTCUSDT)
	UnderlyingSymbol string

	AutoSettleInterval time.Duration
	CaptureTimeout     time.Duration
	AnchorThreshold    float64
	RiskFreeRate       float64
	PayoffPoints       int
}

// DefaultDeskConfig конфигурация по умолчанию
func DefaultDeskConfig() DeskConfig {
	return DeskConfig{
		UnderlyingSymbol:   "BTCUSDT",
		AutoSettleInterval: 10 * time.Minute,
		CaptureTimeout:     marketdata.DefaultCaptureTimeout,
		AnchorThreshold:    valuation.DefaultAnchorThreshold,
		PayoffPoints:       valuation.DefaultTodayPoints,
	}
}

// Row вычисленная строка таблицы позиций
type Row struct {
	Position        *models.Position
	Strategy        string
	Summary         valuation.PositionSummary
	Extrema         valuation.Extrema
	BreakEvens      []float64
	PendingExpiries []int64
	Spot            float64
}

// PayoffRequest параметры графика
type PayoffRequest struct {
	Slider float64 // 0 = сейчас, 1 = ближайшая экспирация
	Lo, Hi float64 // 0 = подобрать по страйкам
	Points int
}

// PayoffView кривые на экспирации и на время ползунка
type PayoffView struct {
	PositionID string
	Spot       float64
	Expiry     []valuation.PayoffPoint
	Today      valuation.TodayCurve
	Extrema    valuation.Extrema
	BreakEvens []float64
}

// LegPatch изменяемые поля ноги
type LegPatch struct {
	Qty    *float64
	Hidden *bool
}

// PositionPatch изменяемые метки позиции
type PositionPatch struct {
	Favorite *bool
	Note     *string
}

// DeskService - сборка строк (оценка + классификация), подписки на символы
// хранимых позиций, выходы из ног, расчёты и закрытие позиций.
type DeskService struct {
	repo   PositionRepositoryInterface
	feed   QuoteFeed
	market MarketProvider
	config DeskConfig
	logger *utils.Logger

	// positionID -> отписки от символов ног
	subs   map[string][]func()
	subsMu sync.Mutex

	// изменения одной позиции идут строго по очереди
	locks positionLocks

	ticks atomic.Int64
	now   func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDeskService создает новый экземпляр сервиса
func NewDeskService(repo PositionRepositoryInterface, feed QuoteFeed, market MarketProvider, config DeskConfig, logger *utils.Logger) *DeskService {
	if logger == nil {
		logger = utils.L()
	}
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = marketdata.DefaultCaptureTimeout
	}
	if config.PayoffPoints <= 0 {
		config.PayoffPoints = valuation.DefaultTodayPoints
	}
	return &DeskService{
		repo:   repo,
		feed:   feed,
		market: market,
		config: config,
		logger: logger.WithComponent("desk"),
		subs:   make(map[string][]func()),
		locks:  positionLocks{held: make(map[string]*positionLock)},
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// ============================================================
// Блокировки позиций
// ============================================================

type positionLock struct {
	mu   sync.Mutex
	refs int
}

// positionLocks мьютекс на ID позиции; запись живёт, пока её кто-то держит или ждёт
type positionLocks struct {
	mu   sync.Mutex
	held map[string]*positionLock
}

// lock захватывает мьютекс позиции и возвращает функцию освобождения
func (l *positionLocks) lock(id string) func() {
	l.mu.Lock()
	pl, ok := l.held[id]
	if !ok {
		pl = &positionLock{}
		l.held[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}

// ============================================================
// Подписки
// ============================================================

// classOf канал для символа ноги
func classOf(leg models.Leg) marketdata.ChannelClass {
	if leg.IsUnderlying() {
		return marketdata.ClassLinear
	}
	return marketdata.ClassOption
}

func (s *DeskService) onTick(marketdata.Tick) {
	s.ticks.Add(1)
}

// Ticks число тиков, полученных по символам позиций
func (s *DeskService) Ticks() int64 {
	return s.ticks.Load()
}

// track подписывает живые ноги открытой позиции
func (s *DeskService) track(pos *models.Position) {
	if s.feed == nil || pos.IsClosed() {
		return
	}

	// новые подписки до снятия старых: общий символ не уходит из потока
	seen := make(map[string]struct{})
	var unsubs []func()
	var unbooked []feedTarget
	for _, leg := range pos.Legs {
		if pos.EffectiveState(leg).Kind == models.LegSettled {
			continue
		}
		if _, ok := seen[leg.Symbol]; ok {
			continue
		}
		seen[leg.Symbol] = struct{}{}
		unsubs = append(unsubs, s.feed.Subscribe(classOf(leg), leg.Symbol, s.onTick))
		if !s.hasBook(leg.Symbol) {
			unbooked = append(unbooked, feedTarget{classOf(leg), leg.Symbol})
		}
	}
	s.seedBooks(unbooked)

	s.subsMu.Lock()
	previous := s.subs[pos.ID]
	s.subs[pos.ID] = unsubs
	s.subsMu.Unlock()

	for _, unsub := range previous {
		unsub()
	}
}

type feedTarget struct {
	class  marketdata.ChannelClass
	symbol string
}

func (s *DeskService) hasBook(symbol string) bool {
	q, ok := s.feed.Store().Get(symbol)
	return ok && (utils.IsFinite(q.BookBid) || utils.IsFinite(q.BookAsk))
}

// seedBooks фоном подтягивает стакан по REST для символов, по которым поток ещё молчит
func (s *DeskService) seedBooks(targets []feedTarget) {
	if s.market == nil || len(targets) == 0 {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), bookSeedTimeout)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		p := pool.New().WithMaxGoroutines(bookSeedConcurrency).WithContext(ctx)
		for _, t := range targets {
			t := t
			p.Go(func(ctx context.Context) error {
				if err := s.market.SeedBookTop(ctx, t.class, t.symbol); err != nil {
					s.logger.Debug("order book seed failed", utils.Symbol(t.symbol), utils.Err(err))
				}
				return nil
			})
		}
		_ = p.Wait()
	}()
}

func (s *DeskService) untrack(id string) {
	s.subsMu.Lock()
	unsubs := s.subs[id]
	delete(s.subs, id)
	s.subsMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Start подписывает спот и все открытые позиции, запускает авторасчёт экспираций
func (s *DeskService) Start(ctx context.Context) error {
	if s.feed != nil && s.config.UnderlyingSymbol != "" {
		unsub := s.feed.Subscribe(marketdata.ClassLinear, s.config.UnderlyingSymbol, s.onTick)
		s.subsMu.Lock()
		s.subs[""] = []func(){unsub}
		s.subsMu.Unlock()
	}

	positions, err := s.repo.GetAll()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, pos := range positions {
		s.track(pos)
	}
	s.updateCounts(positions)
	s.logger.Info("desk started", utils.Int("positions", len(positions)))

	if s.config.AutoSettleInterval > 0 {
		s.wg.Add(1)
		go s.autoSettleLoop(ctx)
	}
	return nil
}

// Stop снимает все подписки и останавливает фоновые задачи
func (s *DeskService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.subsMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()
	for _, id := range ids {
		s.untrack(id)
	}
}

func (s *DeskService) autoSettleLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.AutoSettleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.AutoSettle(ctx); err != nil {
				s.logger.Warn("auto settle failed", utils.Err(err))
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *DeskService) updateCounts(positions []*models.Position) {
	open, closed := 0, 0
	for _, p := range positions {
		if p.IsClosed() {
			closed++
		} else {
			open++
		}
	}
	UpdatePositionCounts(open, closed)
}

// ============================================================
// CRUD
// ============================================================

// AddPosition сохраняет позицию и подписывает её символы
func (s *DeskService) AddPosition(pos *models.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if err := s.repo.Create(pos); err != nil {
		return err
	}
	s.track(pos)
	s.logger.Info("position added",
		utils.PositionID(pos.ID),
		utils.String("kind", string(pos.Kind)),
		utils.Int("legs", len(pos.Legs)))
	return nil
}

// GetPosition позиция по ID
func (s *DeskService) GetPosition(id string) (*models.Position, error) {
	return s.repo.GetByID(id)
}

// DeletePosition удаляет позицию и её подписки
func (s *DeskService) DeletePosition(id string) error {
	defer s.locks.lock(id)()

	if err := s.repo.Delete(id); err != nil {
		return err
	}
	s.untrack(id)
	s.logger.Info("position deleted", utils.PositionID(id))
	return nil
}

// UpdatePosition меняет избранное и заметку
func (s *DeskService) UpdatePosition(id string, patch PositionPatch) (*models.Position, error) {
	if patch.Favorite == nil && patch.Note == nil {
		return nil, ErrNothingToSet
	}
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if patch.Favorite != nil {
		pos.Favorite = *patch.Favorite
	}
	if patch.Note != nil {
		pos.Note = *patch.Note
	}
	if err := s.repo.Update(pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// UpdateLeg меняет количество или видимость ноги
func (s *DeskService) UpdateLeg(id string, index int, patch LegPatch) (*models.Position, error) {
	if patch.Qty == nil && patch.Hidden == nil {
		return nil, ErrNothingToSet
	}
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(pos.Legs) {
		return nil, models.ErrLegIndex
	}
	if pos.IsClosed() {
		return nil, models.ErrPositionClosed
	}

	leg := pos.Legs[index]
	if patch.Qty != nil {
		leg.Qty = *patch.Qty
	}
	if patch.Hidden != nil {
		leg.Hidden = *patch.Hidden
	}
	if err := leg.Validate(); err != nil {
		return nil, err
	}
	pos.Legs[index] = leg
	// у vertical одно количество на обе ноги
	if patch.Qty != nil && pos.Kind == models.PositionVertical {
		for i := range pos.Legs {
			pos.Legs[i].Qty = *patch.Qty
		}
	}

	if err := s.repo.Update(pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// ============================================================
// Оценка
// ============================================================

// spot цена базового актива: mid линейного контракта, иначе underlying/index опционов позиции
func (s *DeskService) spot(quotes map[string]models.Quote) float64 {
	if s.feed != nil && s.config.UnderlyingSymbol != "" {
		if q, ok := s.feed.Store().Get(s.config.UnderlyingSymbol); ok {
			bid, ask := q.BidAsk()
			if v := utils.FirstFinite(utils.Mid(bid, ask), q.Mark, q.Last); utils.IsFinite(v) && v > 0 {
				return v
			}
		}
	}
	for _, q := range quotes {
		if v := q.SpotPrice(); utils.IsFinite(v) {
			return v
		}
	}
	return math.NaN()
}

func (s *DeskService) quotes(pos *models.Position) map[string]models.Quote {
	if s.feed == nil {
		return map[string]models.Quote{}
	}
	return s.feed.Store().Snapshot(pos.Symbols())
}

// netCredit чистая премия для классификатора: vertical берёт EntryCredit
func netCredit(pos *models.Position) float64 {
	return valuation.NetEntry(pos)
}

// BuildRow оценивает одну позицию
func (s *DeskService) BuildRow(pos *models.Position) Row {
	now := s.now()
	quotes := s.quotes(pos)
	payoff := valuation.BuildPayoff(pos)

	return Row{
		Position:        pos,
		Strategy:        strategy.Classify(pos.Legs, netCredit(pos)),
		Summary:         valuation.Aggregate(pos, quotes, now),
		Extrema:         payoff.Extrema(),
		BreakEvens:      payoff.BreakEvens(),
		PendingExpiries: pos.PendingExpiries(now),
		Spot:            s.spot(quotes),
	}
}

// Rows строки всех позиций: сначала избранные, затем по времени создания
func (s *DeskService) Rows() ([]Row, error) {
	start := time.Now()
	positions, err := s.repo.GetAll()
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(positions))
	for _, pos := range positions {
		rows = append(rows, s.BuildRow(pos))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Position.Favorite != rows[j].Position.Favorite {
			return rows[i].Position.Favorite
		}
		return rows[i].Position.CreatedAt.Before(rows[j].Position.CreatedAt)
	})

	s.updateCounts(positions)
	RowsLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	return rows, nil
}

// Quote последний снимок котировки символа
func (s *DeskService) Quote(symbol string) (models.Quote, bool) {
	if s.feed == nil {
		return models.Quote{}, false
	}
	return s.feed.Store().Get(symbol)
}

// payoffRange диапазон графика по умолчанию: ±50% вокруг страйков и спота
func payoffRange(pos *models.Position, spot float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	extend := func(v float64) {
		if utils.IsFinite(v) && v > 0 {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	for _, leg := range pos.Legs {
		if leg.IsOption() {
			extend(leg.Strike)
		} else {
			extend(leg.EntryPrice)
		}
	}
	extend(spot)
	if math.IsInf(lo, 0) {
		return 0, 1
	}
	return lo * 0.5, hi * 1.5
}

// Payoff кривая на экспирации и модельная кривая на время ползунка
func (s *DeskService) Payoff(ctx context.Context, id string, req PayoffRequest) (PayoffView, error) {
	if !utils.IsFinite(req.Slider) || req.Slider < 0 || req.Slider > 1 {
		return PayoffView{}, ErrInvalidSlider
	}
	pos, err := s.repo.GetByID(id)
	if err != nil {
		return PayoffView{}, err
	}

	now := s.now()
	quotes := s.quotes(pos)
	spot := s.spot(quotes)

	lo, hi := req.Lo, req.Hi
	if lo == 0 && hi == 0 {
		lo, hi = payoffRange(pos, spot)
	}
	if !utils.IsFinite(lo) || !utils.IsFinite(hi) || lo < 0 || lo >= hi {
		return PayoffView{}, ErrInvalidRange
	}
	points := req.Points
	if points <= 1 {
		points = s.config.PayoffPoints
	}

	hv := DefaultHVProxy
	if s.market != nil {
		if v, err := s.market.HistoricalVolatility(ctx); err == nil && v > 0 {
			hv = v
		} else if err != nil {
			s.logger.Debug("hv proxy unavailable, using default", utils.IV(hv), utils.Err(err))
		}
	}

	payoff := valuation.BuildPayoff(pos)
	summary := valuation.Aggregate(pos, quotes, now)

	today := valuation.BuildTodayCurve(pos, quotes, valuation.TodayParams{
		Now:             now,
		Slider:          req.Slider,
		Spot:            spot,
		LivePnL:         summary.PnLMid,
		HVProxy:         hv,
		Rate:            s.config.RiskFreeRate,
		AnchorThreshold: s.config.AnchorThreshold,
		Lo:              lo,
		Hi:              hi,
		Points:          points,
	})

	return PayoffView{
		PositionID: pos.ID,
		Spot:       spot,
		Expiry:     payoff.Sample(lo, hi, points),
		Today:      today,
		Extrema:    payoff.Extrema(),
		BreakEvens: payoff.BreakEvens(),
	}, nil
}

// ============================================================
// Изменение состояния ног
// ============================================================

// ExitLeg фиксирует ручной выход из ноги по цене
func (s *DeskService) ExitLeg(id string, index int, price float64) (*models.Position, error) {
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if pos.IsClosed() {
		return nil, models.ErrPositionClosed
	}
	if err := pos.ExitLeg(index, price, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(pos); err != nil {
		return nil, err
	}

	leg := pos.Legs[index]
	s.logger.Info("leg exited",
		utils.PositionID(id),
		utils.Int("leg", index),
		utils.Symbol(leg.Symbol),
		utils.Side(string(leg.Side)),
		utils.Strike(leg.Strike),
		utils.Price(price))
	return pos, nil
}

// SettleExpiry записывает расчётную цену экспирации
func (s *DeskService) SettleExpiry(id string, expiryMs int64, price float64) (*models.Position, error) {
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if err := pos.Settle(expiryMs, price, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(pos); err != nil {
		return nil, err
	}
	// рассчитанные ноги больше не нужны в потоке
	s.track(pos)

	RecordSettlement("manual")
	s.logger.Info("expiry settled",
		utils.PositionID(id),
		utils.Expiry(expiryMs),
		utils.Price(price))
	return pos, nil
}

// AutoSettle рассчитывает прошедшие экспирации открытых позиций по ценам поставки биржи.
// Возвращает число записанных расчётов.
func (s *DeskService) AutoSettle(ctx context.Context) (int, error) {
	if s.market == nil {
		return 0, nil
	}
	positions, err := s.repo.GetAll()
	if err != nil {
		return 0, err
	}

	now := s.now()
	var pending []string
	for _, pos := range positions {
		if !pos.IsClosed() && len(pos.PendingExpiries(now)) > 0 {
			pending = append(pending, pos.ID)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	prices, err := s.market.DeliveryPrices(ctx)
	if err != nil {
		return 0, fmt.Errorf("delivery prices: %w", err)
	}

	settled := 0
	for _, id := range pending {
		n, err := s.settleFromDelivery(id, prices, now)
		settled += n
		if err != nil {
			return settled, err
		}
	}
	return settled, nil
}

// settleFromDelivery перечитывает позицию под её блокировкой: пока шёл запрос
// цен поставки, позицию могли закрыть, удалить или изменить.
func (s *DeskService) settleFromDelivery(id string, prices map[int64]float64, now time.Time) (int, error) {
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if errors.Is(err, repository.ErrPositionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reload %s: %w", id, err)
	}
	if pos.IsClosed() {
		return 0, nil
	}

	settled := 0
	for _, expiry := range pos.PendingExpiries(now) {
		price, ok := prices[expiry]
		if !ok {
			continue
		}
		if err := pos.Settle(expiry, price, now); err != nil {
			s.logger.Warn("auto settle rejected", utils.PositionID(id), utils.Expiry(expiry), utils.Err(err))
			continue
		}
		settled++
		RecordSettlement("auto")
		s.logger.Info("expiry auto-settled", utils.PositionID(id), utils.Expiry(expiry), utils.Price(price))
	}
	if settled == 0 {
		return 0, nil
	}
	if err := s.repo.Update(pos); err != nil {
		return 0, fmt.Errorf("update %s: %w", id, err)
	}
	s.track(pos)
	return settled, nil
}

// ============================================================
// Закрытие
// ============================================================

// ClosePosition снимок закрытия: перед расчётом ждёт свежий тик по каждой живой ноге
// (не дольше CaptureTimeout), затем фиксирует спот и реализованный PnL.
func (s *DeskService) ClosePosition(ctx context.Context, id string) (*models.Position, error) {
	defer s.locks.lock(id)()

	pos, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if pos.IsClosed() {
		return nil, models.ErrPositionClosed
	}

	s.captureFresh(ctx, pos)

	now := s.now()
	quotes := s.quotes(pos)
	summary := valuation.Aggregate(pos, quotes, now)

	realized := summary.PnLExec
	if !utils.IsFinite(realized) {
		realized = summary.PnLMid
	}
	spot := s.spot(quotes)
	if !utils.IsFinite(spot) {
		spot = 0
	}

	pos.Close = &models.CloseSnapshot{At: now, IndexPrice: spot, RealizedPnL: realized}
	if err := s.repo.Update(pos); err != nil {
		pos.Close = nil
		return nil, err
	}
	s.untrack(pos.ID)

	s.logger.Info("position closed",
		utils.PositionID(pos.ID),
		utils.PNL(realized),
		utils.Price(spot))
	return pos, nil
}

// captureFresh ждёт по одному тику на каждый живой символ параллельно
func (s *DeskService) captureFresh(ctx context.Context, pos *models.Position) {
	if s.feed == nil {
		return
	}

	var targets []feedTarget
	seen := make(map[string]struct{})
	for _, leg := range pos.Legs {
		if pos.EffectiveState(leg).Kind != models.LegLive {
			continue
		}
		if _, ok := seen[leg.Symbol]; ok {
			continue
		}
		seen[leg.Symbol] = struct{}{}
		targets = append(targets, feedTarget{classOf(leg), leg.Symbol})
	}

	p := pool.New().WithContext(ctx)
	for _, t := range targets {
		t := t
		p.Go(func(ctx context.Context) error {
			if _, ok := marketdata.CaptureLatest(ctx, s.feed, t.class, t.symbol, s.config.CaptureTimeout); !ok {
				CaptureTimeouts.Inc()
				s.logger.Debug("no fresh tick before close, using stored quote", utils.Symbol(t.symbol))
			}
			return nil
		})
	}
	_ = p.Wait()
}
