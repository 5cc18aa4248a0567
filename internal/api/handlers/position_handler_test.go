package handlers

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optiondesk/internal/models"
)

const (
	shortSym = "BTC-26DEC31-60000-C"
	longSym  = "BTC-26DEC31-62000-C"
	pastSym  = "BTC-6DEC24-60000-C"
)

func doRequest(t *testing.T, env *testEnv, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func addBearCall(t *testing.T, env *testEnv, short, long string) *models.Position {
	t.Helper()
	s, _ := LegRequest{Symbol: short, Qty: 1, EntryPrice: 1500}.toLeg()
	l, _ := LegRequest{Symbol: long, Qty: 1, EntryPrice: 800}.toLeg()
	pos, err := models.NewVertical(s, l, 700, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewVertical: %v", err)
	}
	if err := env.desk.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	return pos
}

func mergeSpread(env *testEnv) {
	env.feed.store.Merge(shortSym, models.QuoteUpdate{TickerBid: models.F(400), TickerAsk: models.F(420), Underlying: models.F(61000)})
	env.feed.store.Merge(longSym, models.QuoteUpdate{TickerBid: models.F(100), TickerAsk: models.F(110), Underlying: models.F(61000)})
}

// ============ PositionHandler Tests ============

func TestPositionHandler_CreatePosition(t *testing.T) {
	t.Run("creates vertical", func(t *testing.T) {
		env := newTestEnv(nil)
		body := map[string]interface{}{
			"kind": "vertical",
			"legs": []map[string]interface{}{
				{"symbol": shortSym, "qty": 1, "entry_price": 1500},
				{"symbol": longSym, "qty": 1, "entry_price": 800},
			},
			"entry_credit": 700,
			"note":         "weekly",
		}

		w := doRequest(t, env, http.MethodPost, "/api/v1/positions", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
		}

		var pos models.Position
		decode(t, w, &pos)
		if pos.ID == "" || pos.Kind != models.PositionVertical {
			t.Errorf("unexpected position %+v", pos)
		}
		if pos.Legs[0].Side != models.SideShort || pos.Legs[1].Side != models.SideLong {
			t.Error("expected short/long legs")
		}
		if pos.Legs[0].Strike != 60000 || pos.Legs[0].Type != models.OptionCall {
			t.Errorf("expected strike and type from symbol, got %+v", pos.Legs[0])
		}
		if pos.EntryCredit != 700 || pos.Note != "weekly" {
			t.Errorf("unexpected credit %v note %q", pos.EntryCredit, pos.Note)
		}
		if n, _ := env.repo.Count(); n != 1 {
			t.Errorf("expected 1 stored position, got %d", n)
		}
	})

	t.Run("default credit from entry prices", func(t *testing.T) {
		env := newTestEnv(nil)
		body := map[string]interface{}{
			"kind": "vertical",
			"legs": []map[string]interface{}{
				{"symbol": shortSym, "qty": 2, "entry_price": 1500},
				{"symbol": longSym, "qty": 2, "entry_price": 800},
			},
		}
		w := doRequest(t, env, http.MethodPost, "/api/v1/positions", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
		}
		var pos models.Position
		decode(t, w, &pos)
		if pos.EntryCredit != 700 {
			t.Errorf("expected credit 700, got %v", pos.EntryCredit)
		}
	})

	t.Run("creates multi with underlying", func(t *testing.T) {
		env := newTestEnv(nil)
		body := map[string]interface{}{
			"kind": "multi",
			"legs": []map[string]interface{}{
				{"symbol": "BTCUSDT", "side": "long", "qty": 1, "entry_price": 60000},
				{"symbol": shortSym, "side": "short", "qty": 1, "entry_price": 1500},
			},
		}
		w := doRequest(t, env, http.MethodPost, "/api/v1/positions", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
		}
		var pos models.Position
		decode(t, w, &pos)
		if pos.Legs[0].Type != models.Underlying || pos.Legs[0].ExpiryMs != 0 {
			t.Errorf("expected underlying leg, got %+v", pos.Legs[0])
		}
	})

	t.Run("normalizes symbol case", func(t *testing.T) {
		env := newTestEnv(nil)
		body := map[string]interface{}{
			"kind": "multi",
			"legs": []map[string]interface{}{
				{"symbol": " xrp-27dec24-0.5-c ", "side": "long", "qty": 100, "entry_price": 0.02},
			},
		}
		w := doRequest(t, env, http.MethodPost, "/api/v1/positions", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
		}
		var pos models.Position
		decode(t, w, &pos)
		if pos.Legs[0].Symbol != "XRP-27DEC24-0.5-C" {
			t.Errorf("expected upper-case symbol, got %q", pos.Legs[0].Symbol)
		}
		if pos.Legs[0].Strike != 0.5 {
			t.Errorf("expected strike 0.5, got %v", pos.Legs[0].Strike)
		}
		if got := env.feed.symbols(); len(got) != 1 || got[0] != "XRP-27DEC24-0.5-C" {
			t.Errorf("expected subscription on upper-case symbol, got %v", got)
		}
	})

	tests := []struct {
		name         string
		body         interface{}
		expectedCode string
	}{
		{"unknown kind", map[string]interface{}{"kind": "strangle", "legs": []map[string]interface{}{{"symbol": "BTCUSDT", "side": "long", "qty": 1}}}, "invalid_leg"},
		{"bad option symbol", map[string]interface{}{"kind": "multi", "legs": []map[string]interface{}{{"symbol": "BTC-XX-1-C", "side": "long", "qty": 1}}}, "invalid_leg"},
		{"no legs", map[string]interface{}{"kind": "multi"}, "no_legs"},
		{"vertical with one leg", map[string]interface{}{"kind": "vertical", "legs": []map[string]interface{}{{"symbol": shortSym, "qty": 1}}}, "invalid_leg"},
		{"vertical qty mismatch", map[string]interface{}{"kind": "vertical", "legs": []map[string]interface{}{
			{"symbol": shortSym, "qty": 1, "entry_price": 10}, {"symbol": longSym, "qty": 2, "entry_price": 5}}}, "invalid_leg"},
		{"missing side", map[string]interface{}{"kind": "multi", "legs": []map[string]interface{}{{"symbol": "BTCUSDT", "qty": 1}}}, "invalid_leg"},
		{"negative entry", map[string]interface{}{"kind": "multi", "legs": []map[string]interface{}{{"symbol": "BTCUSDT", "side": "long", "qty": 1, "entry_price": -1}}}, "invalid_leg"},
		{"zero qty", map[string]interface{}{"kind": "multi", "legs": []map[string]interface{}{{"symbol": shortSym, "side": "short", "qty": 0}}}, "invalid_leg"},
		{"malformed symbol", map[string]interface{}{"kind": "multi", "legs": []map[string]interface{}{{"symbol": "btc usdt", "side": "long", "qty": 1}}}, "invalid_leg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			w := doRequest(t, env, http.MethodPost, "/api/v1/positions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.expectedCode {
				t.Errorf("expected code %q, got %q", tt.expectedCode, resp.Code)
			}
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		env := newTestEnv(nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/positions", bytes.NewReader([]byte("{")))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestPositionHandler_GetRows(t *testing.T) {
	env := newTestEnv(nil)
	addBearCall(t, env, shortSym, longSym)
	mergeSpread(env)

	w := doRequest(t, env, http.MethodGet, "/api/v1/rows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var rows []RowResponse
	decode(t, w, &rows)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Strategy != "Bear Call Credit Spread" {
		t.Errorf("expected Bear Call Credit Spread, got %q", row.Strategy)
	}
	if row.Summary.PnLMid == nil || *row.Summary.PnLMid != 395 {
		t.Errorf("expected pnl_mid 395, got %v", row.Summary.PnLMid)
	}
	if row.Summary.PnLExec == nil || *row.Summary.PnLExec != 380 {
		t.Errorf("expected pnl_exec 380, got %v", row.Summary.PnLExec)
	}
	if row.Spot == nil || *row.Spot != 61000 {
		t.Errorf("expected spot 61000, got %v", row.Spot)
	}
	if len(row.BreakEvens) != 1 || math.Abs(row.BreakEvens[0]-60700) > 1e-6 {
		t.Errorf("expected break-even 60700, got %v", row.BreakEvens)
	}
	if row.Extrema.MaxLoss == nil || math.Abs(*row.Extrema.MaxLoss-1300) > 1e-9 {
		t.Errorf("expected max loss 1300, got %v", row.Extrema.MaxLoss)
	}
	if row.PendingExpiries == nil {
		t.Error("expected empty pending expiries, got null")
	}
}

func TestPositionHandler_GetRowsUnknownAsNull(t *testing.T) {
	env := newTestEnv(nil)
	addBearCall(t, env, shortSym, longSym)

	w := doRequest(t, env, http.MethodGet, "/api/v1/rows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var rows []map[string]interface{}
	decode(t, w, &rows)
	if rows[0]["spot"] != nil {
		t.Errorf("expected null spot, got %v", rows[0]["spot"])
	}
	summary := rows[0]["summary"].(map[string]interface{})
	if summary["fetching"] != true {
		t.Error("expected fetching without quotes")
	}
	liquidity := summary["liquidity"].(map[string]interface{})
	if liquidity["max_spread"] != nil {
		t.Errorf("expected null max_spread, got %v", liquidity["max_spread"])
	}
}

func TestPositionHandler_GetRowsError(t *testing.T) {
	env := newTestEnv(nil)
	env.repo.getErr = ErrMockDatabase

	w := doRequest(t, env, http.MethodGet, "/api/v1/rows", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestPositionHandler_GetPosition(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)

	w := doRequest(t, env, http.MethodGet, "/api/v1/positions/"+pos.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = doRequest(t, env, http.MethodGet, "/api/v1/positions/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != "position_not_found" {
		t.Errorf("expected position_not_found, got %q", resp.Code)
	}
}

func TestPositionHandler_UpdatePosition(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)

	w := doRequest(t, env, http.MethodPatch, "/api/v1/positions/"+pos.ID, map[string]interface{}{"favorite": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var got models.Position
	decode(t, w, &got)
	if !got.Favorite {
		t.Error("expected favorite")
	}

	w = doRequest(t, env, http.MethodPatch, "/api/v1/positions/"+pos.ID, map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for empty patch, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPositionHandler_UpdateLeg(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)

	w := doRequest(t, env, http.MethodPatch, "/api/v1/positions/"+pos.ID+"/legs/0", map[string]interface{}{"qty": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var got models.Position
	decode(t, w, &got)
	if got.Legs[0].Qty != 2 || got.Legs[1].Qty != 2 {
		t.Errorf("expected qty 2 on both legs, got %v and %v", got.Legs[0].Qty, got.Legs[1].Qty)
	}

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"non-numeric index", "/legs/abc", map[string]interface{}{"qty": 1}, http.StatusBadRequest},
		{"index out of range", "/legs/7", map[string]interface{}{"qty": 1}, http.StatusBadRequest},
		{"negative qty", "/legs/0", map[string]interface{}{"qty": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, env, http.MethodPatch, "/api/v1/positions/"+pos.ID+tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestPositionHandler_ExitLeg(t *testing.T) {
	tests := []struct {
		name         string
		body         interface{}
		status       int
		expectedCode string
	}{
		{"success", map[string]interface{}{"price": 50}, http.StatusOK, ""},
		{"missing price", map[string]interface{}{}, http.StatusBadRequest, "missing_price"},
		{"negative price", map[string]interface{}{"price": -1}, http.StatusBadRequest, "invalid_exit_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			pos := addBearCall(t, env, shortSym, longSym)

			w := doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/legs/1/exit", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.expectedCode != "" {
				var resp ErrorResponse
				decode(t, w, &resp)
				if resp.Code != tt.expectedCode {
					t.Errorf("expected code %q, got %q", tt.expectedCode, resp.Code)
				}
				return
			}
			var got models.Position
			decode(t, w, &got)
			if got.Legs[1].State.Kind != models.LegExited || got.Legs[1].State.Price != 50 {
				t.Errorf("expected exited at 50, got %+v", got.Legs[1].State)
			}
		})
	}
}

func TestPositionHandler_SettleExpiry(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, pastSym, "BTC-6DEC24-62000-C")
	expiry := pos.Legs[0].ExpiryMs

	w := doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/settlements",
		map[string]interface{}{"expiry_ms": expiry, "price": 0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != "invalid_settlement_price" {
		t.Errorf("expected invalid_settlement_price, got %q", resp.Code)
	}

	w = doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/settlements",
		map[string]interface{}{"expiry_ms": expiry, "price": 61000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/settlements",
		map[string]interface{}{"expiry_ms": expiry, "price": 62000})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for second settlement, got %d", http.StatusBadRequest, w.Code)
	}

	w = doRequest(t, env, http.MethodGet, "/api/v1/rows", nil)
	var rows []RowResponse
	decode(t, w, &rows)
	// 60000/62000 call при 61000: short теряет 1000, кредит 700
	if rows[0].Summary.PnLMid == nil || *rows[0].Summary.PnLMid != -300 {
		t.Errorf("expected settled pnl -300, got %v", rows[0].Summary.PnLMid)
	}
	if rows[0].Summary.Settled != 2 {
		t.Errorf("expected 2 settled legs, got %d", rows[0].Summary.Settled)
	}
}

func TestPositionHandler_ClosePosition(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)
	mergeSpread(env)

	w := doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var got models.Position
	decode(t, w, &got)
	if got.Close == nil || got.Close.RealizedPnL != 380 || got.Close.IndexPrice != 61000 {
		t.Errorf("unexpected close snapshot %+v", got.Close)
	}

	w = doRequest(t, env, http.MethodPost, "/api/v1/positions/"+pos.ID+"/close", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != "position_closed" {
		t.Errorf("expected position_closed, got %q", resp.Code)
	}
}

func TestPositionHandler_GetPayoff(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)
	mergeSpread(env)

	w := doRequest(t, env, http.MethodGet, "/api/v1/positions/"+pos.ID+"/payoff?slider=0.5&lo=55000&hi=65000&points=11", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp PayoffResponse
	decode(t, w, &resp)
	if len(resp.Expiry) != 11 || len(resp.Today.Points) != 11 {
		t.Fatalf("expected 11 points, got %d and %d", len(resp.Expiry), len(resp.Today.Points))
	}
	if resp.Expiry[0].PnL == nil || *resp.Expiry[0].PnL != 700 {
		t.Errorf("expected 700 at 55000, got %v", resp.Expiry[0].PnL)
	}
	if resp.PositionID != pos.ID {
		t.Errorf("expected position %s, got %s", pos.ID, resp.PositionID)
	}

	w = doRequest(t, env, http.MethodGet, "/api/v1/positions/"+pos.ID+"/payoff", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d with defaults, got %d", http.StatusOK, w.Code)
	}
	decode(t, w, &resp)
	if len(resp.Expiry) != 21 {
		t.Errorf("expected default 21 points, got %d", len(resp.Expiry))
	}

	tests := []struct {
		name         string
		query        string
		expectedCode string
	}{
		{"slider out of range", "?slider=2", "invalid_slider"},
		{"slider not a number", "?slider=abc", "invalid_slider"},
		{"inverted range", "?lo=70000&hi=60000", "invalid_range"},
		{"too many points", "?points=5000", "invalid_points"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, env, http.MethodGet, "/api/v1/positions/"+pos.ID+"/payoff"+tt.query, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.expectedCode {
				t.Errorf("expected code %q, got %q", tt.expectedCode, resp.Code)
			}
		})
	}
}

func TestPositionHandler_DeletePosition(t *testing.T) {
	env := newTestEnv(nil)
	pos := addBearCall(t, env, shortSym, longSym)

	w := doRequest(t, env, http.MethodDelete, "/api/v1/positions/"+pos.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = doRequest(t, env, http.MethodDelete, "/api/v1/positions/"+pos.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}
