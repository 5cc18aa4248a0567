package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"optiondesk/internal/exchange"
	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
	"optiondesk/internal/repository"
)

// ============ Mock PositionRepository ============

type MockPositionRepository struct {
	positions map[string]*models.Position
	createErr error
	getErr    error
	updateErr error
	deleteErr error
	updates   int
	// copies хранит и отдаёт копии, как настоящая БД
	copies bool
	mu     sync.Mutex
}

func clonePosition(p *models.Position) *models.Position {
	c := *p
	c.Legs = append([]models.Leg(nil), p.Legs...)
	if p.Close != nil {
		snapshot := *p.Close
		c.Close = &snapshot
	}
	c.Settlements = make(map[int64]models.Settlement, len(p.Settlements))
	for k, v := range p.Settlements {
		c.Settlements[k] = v
	}
	return &c
}

func (m *MockPositionRepository) out(p *models.Position) *models.Position {
	if m.copies {
		return clonePosition(p)
	}
	return p
}

func NewMockPositionRepository() *MockPositionRepository {
	return &MockPositionRepository{positions: make(map[string]*models.Position)}
}

func (m *MockPositionRepository) Create(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.positions[pos.ID]; exists {
		return repository.ErrPositionExists
	}
	m.positions[pos.ID] = m.out(pos)
	return nil
}

func (m *MockPositionRepository) GetByID(id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	pos, ok := m.positions[id]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	return m.out(pos), nil
}

func (m *MockPositionRepository) GetAll() ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	result := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		result = append(result, m.out(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MockPositionRepository) Update(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.positions[pos.ID]; !ok {
		return repository.ErrPositionNotFound
	}
	m.positions[pos.ID] = m.out(pos)
	m.updates++
	return nil
}

func (m *MockPositionRepository) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.positions[id]; !ok {
		return repository.ErrPositionNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *MockPositionRepository) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions), nil
}

// ============ Fake QuoteFeed ============

type subKey struct {
	class  marketdata.ChannelClass
	symbol string
}

// fakeFeed считает подписки и по желанию отвечает тиком на каждую подписку символа
type fakeFeed struct {
	store *marketdata.QuoteStore
	subs  map[subKey]int
	emit  map[string]models.QuoteUpdate
	mu    sync.Mutex
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		store: marketdata.NewQuoteStore(4),
		subs:  make(map[subKey]int),
		emit:  make(map[string]models.QuoteUpdate),
	}
}

func (f *fakeFeed) Store() *marketdata.QuoteStore { return f.store }

func (f *fakeFeed) Subscribe(class marketdata.ChannelClass, symbol string, cb marketdata.Callback) func() {
	key := subKey{class, symbol}
	f.mu.Lock()
	f.subs[key]++
	u, emit := f.emit[symbol]
	f.mu.Unlock()

	if emit {
		go func() {
			time.Sleep(2 * time.Millisecond)
			f.store.Merge(symbol, u)
			q, _ := f.store.Get(symbol)
			cb(marketdata.Tick{Class: class, Symbol: symbol, Update: u, Quote: q, ReceivedAt: time.Now()})
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.subs[key]--
			if f.subs[key] == 0 {
				delete(f.subs, key)
			}
			f.mu.Unlock()
		})
	}
}

func (f *fakeFeed) count(class marketdata.ChannelClass, symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[subKey{class, symbol}]
}

func (f *fakeFeed) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.subs {
		n += c
	}
	return n
}

func (f *fakeFeed) setEmit(symbol string, u models.QuoteUpdate) {
	f.mu.Lock()
	f.emit[symbol] = u
	f.mu.Unlock()
}

// ============ Fake MarketProvider ============

type fakeMarket struct {
	hv       float64
	hvErr    error
	delivery map[int64]float64
	delErr   error
	calls    int
	// onDelivery вызывается посреди запроса цен поставки
	onDelivery func()

	booked []string
	bookMu sync.Mutex
}

func (m *fakeMarket) SeedBookTop(ctx context.Context, class marketdata.ChannelClass, symbol string) error {
	m.bookMu.Lock()
	m.booked = append(m.booked, symbol)
	m.bookMu.Unlock()
	return nil
}

func (m *fakeMarket) bookRequests() []string {
	m.bookMu.Lock()
	defer m.bookMu.Unlock()
	return append([]string(nil), m.booked...)
}

func (m *fakeMarket) HistoricalVolatility(ctx context.Context) (float64, error) {
	return m.hv, m.hvErr
}

func (m *fakeMarket) DeliveryPrices(ctx context.Context) (map[int64]float64, error) {
	m.calls++
	if m.onDelivery != nil {
		m.onDelivery()
	}
	return m.delivery, m.delErr
}

// ============ Fake exchange.MarketSource ============

type fakeSource struct {
	instruments []models.Instrument
	tickers     map[string][]exchange.TickerSnapshot // category -> snapshots
	hv          exchange.HistoricalVolatility
	delivery    []exchange.DeliveryPrice
	books       map[string]exchange.BookTop

	instErr error
	hvErr   error
	tickErr map[string]error

	instCalls int
	hvCalls   int
	delCalls  int
	bookCalls []string
	mu        sync.Mutex
}

func (s *fakeSource) GetInstruments(ctx context.Context, baseCoin string) ([]models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instCalls++
	return s.instruments, s.instErr
}

func (s *fakeSource) GetTickers(ctx context.Context, category, filter string) ([]exchange.TickerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tickErr[category]; err != nil {
		return nil, err
	}
	return s.tickers[category], nil
}

func (s *fakeSource) GetOrderBookTop(ctx context.Context, category, symbol string) (exchange.BookTop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookCalls = append(s.bookCalls, category+"/"+symbol)
	top, ok := s.books[symbol]
	if !ok {
		return exchange.BookTop{}, errors.New("symbol not found")
	}
	return top, nil
}

func (s *fakeSource) GetHistoricalVolatility(ctx context.Context, baseCoin string, period int) (exchange.HistoricalVolatility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hvCalls++
	return s.hv, s.hvErr
}

func (s *fakeSource) GetDeliveryPrices(ctx context.Context, baseCoin string) ([]exchange.DeliveryPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delCalls++
	return s.delivery, nil
}
