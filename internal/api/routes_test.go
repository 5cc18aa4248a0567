package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"optiondesk/internal/marketdata"
	"optiondesk/internal/models"
	"optiondesk/internal/repository"
	"optiondesk/internal/service"
	"optiondesk/internal/websocket"
)

type memRepo struct {
	positions map[string]*models.Position
}

func (m *memRepo) Create(pos *models.Position) error {
	m.positions[pos.ID] = pos
	return nil
}

func (m *memRepo) GetByID(id string) (*models.Position, error) {
	if p, ok := m.positions[id]; ok {
		return p, nil
	}
	return nil, repository.ErrPositionNotFound
}

func (m *memRepo) GetAll() ([]*models.Position, error) {
	out := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memRepo) Update(pos *models.Position) error { return nil }
func (m *memRepo) Delete(id string) error            { return nil }
func (m *memRepo) Count() (int, error)               { return len(m.positions), nil }

type nopFeed struct{ store *marketdata.QuoteStore }

func (f nopFeed) Store() *marketdata.QuoteStore { return f.store }
func (f nopFeed) Subscribe(marketdata.ChannelClass, string, marketdata.Callback) func() {
	return func() {}
}

func newDesk() *service.DeskService {
	cfg := service.DefaultDeskConfig()
	cfg.AutoSettleInterval = 0
	return service.NewDeskService(&memRepo{positions: map[string]*models.Position{}},
		nopFeed{store: marketdata.NewQuoteStore(1)}, nil, cfg, nil)
}

func TestSetupRoutes(t *testing.T) {
	router := SetupRoutes(&Dependencies{DeskService: newDesk()})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/rows", http.StatusOK},
		{http.MethodGet, "/api/v1/instruments", http.StatusOK},
		{http.MethodGet, "/api/v1/quotes/BTCUSDT", http.StatusNotFound},
		{http.MethodPut, "/api/v1/rows", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestSetupRoutesWithoutServices(t *testing.T) {
	router := SetupRoutes(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("expected OK, got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/rows", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d without desk, got %d", http.StatusNotFound, w.Code)
	}
}

func TestMetricsBasicAuth(t *testing.T) {
	router := SetupRoutes(&Dependencies{MetricsUsername: "ops", MetricsPassword: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected prometheus exposition")
	}
}

func TestRowsStreamRoute(t *testing.T) {
	hub := websocket.NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	router := SetupRoutes(&Dependencies{DeskService: newDesk(), Hub: hub})

	// без Upgrade заголовков апгрейд отклоняется
	req := httptest.NewRequest(http.MethodGet, "/ws/rows", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	router = SetupRoutes(&Dependencies{DeskService: newDesk()})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/rows", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d without hub, got %d", http.StatusNotFound, w.Code)
	}
}
