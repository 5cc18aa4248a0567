package handlers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
	"optiondesk/internal/repository"
	"optiondesk/internal/service"
)

var ErrMockDatabase = errors.New("mock database error")

// ============ Mock PositionRepository ============

type MockPositionRepository struct {
	positions map[string]*models.Position
	getErr    error
	mu        sync.RWMutex
}

func NewMockPositionRepository() *MockPositionRepository {
	return &MockPositionRepository{positions: make(map[string]*models.Position)}
}

func (m *MockPositionRepository) Create(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[pos.ID]; exists {
		return repository.ErrPositionExists
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *MockPositionRepository) GetByID(id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	pos, ok := m.positions[id]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	return pos, nil
}

func (m *MockPositionRepository) GetAll() ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockPositionRepository) Update(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return repository.ErrPositionNotFound
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *MockPositionRepository) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return repository.ErrPositionNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *MockPositionRepository) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions), nil
}

// ============ Stub QuoteFeed ============

// stubFeed хранилище котировок без сетевых подписок
type stubFeed struct {
	store      *marketdata.QuoteStore
	subscribed []string
	mu         sync.Mutex
}

func newStubFeed() *stubFeed {
	return &stubFeed{store: marketdata.NewQuoteStore(2)}
}

func (f *stubFeed) Store() *marketdata.QuoteStore { return f.store }

func (f *stubFeed) Subscribe(class marketdata.ChannelClass, symbol string, cb marketdata.Callback) func() {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, symbol)
	f.mu.Unlock()
	return func() {}
}

func (f *stubFeed) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// ============ Mock InstrumentSource ============

type MockInstrumentSource struct {
	instruments []models.Instrument
	err         error
}

func (m *MockInstrumentSource) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return m.instruments, m.err
}

// ============ Test fixture ============

type testEnv struct {
	repo   *MockPositionRepository
	feed   *stubFeed
	desk   *service.DeskService
	router *mux.Router
}

// newTestEnv настоящий DeskService поверх моков и роутер с маршрутами handlers
func newTestEnv(insts InstrumentSource) *testEnv {
	repo := NewMockPositionRepository()
	feed := newStubFeed()

	cfg := service.DefaultDeskConfig()
	cfg.AutoSettleInterval = 0
	cfg.CaptureTimeout = 10 * time.Millisecond
	cfg.PayoffPoints = 21
	desk := service.NewDeskService(repo, feed, nil, cfg, nil)

	h := NewPositionHandler(desk)
	m := NewMarketHandler(desk, insts)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/rows", h.GetRows).Methods("GET")
	router.HandleFunc("/api/v1/positions", h.CreatePosition).Methods("POST")
	router.HandleFunc("/api/v1/positions/{id}", h.GetPosition).Methods("GET")
	router.HandleFunc("/api/v1/positions/{id}", h.UpdatePosition).Methods("PATCH")
	router.HandleFunc("/api/v1/positions/{id}", h.DeletePosition).Methods("DELETE")
	router.HandleFunc("/api/v1/positions/{id}/legs/{index}", h.UpdateLeg).Methods("PATCH")
	router.HandleFunc("/api/v1/positions/{id}/legs/{index}/exit", h.ExitLeg).Methods("POST")
	router.HandleFunc("/api/v1/positions/{id}/settlements", h.SettleExpiry).Methods("POST")
	router.HandleFunc("/api/v1/positions/{id}/close", h.ClosePosition).Methods("POST")
	router.HandleFunc("/api/v1/positions/{id}/payoff", h.GetPayoff).Methods("GET")
	router.HandleFunc("/api/v1/quotes/{symbol}", m.GetQuote).Methods("GET")
	router.HandleFunc("/api/v1/instruments", m.GetInstruments).Methods("GET")

	return &testEnv{repo: repo, feed: feed, desk: desk, router: router}
}
