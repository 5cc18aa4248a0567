package marketdata

import (
	"errors"
	"math"
	"testing"
)

// ============================================================
// NormalizeIV Tests
// ============================================================

func TestNormalizeIV(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected float64
	}{
		{"fraction", 0.55, 55},
		{"fraction at boundary", 3, 300},
		{"negative fraction", -0.2, -20},
		{"already percent", 55, 55},
		{"just above boundary", 3.01, 3.01},
		{"zero", 0, 0},
		// известное ограничение: 350% долей (3.5) остаётся как есть
		{"high iv fraction kept", 3.5, 3.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeIV(tt.input)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

// ============================================================
// ParseFrame Tests
// ============================================================

func TestParseFrameOptionTicker(t *testing.T) {
	raw := []byte(`{
		"topic": "tickers.BTC-27DEC24-60000-C",
		"type": "snapshot",
		"ts": 1700000000000,
		"data": {
			"symbol": "BTC-27DEC24-60000-C",
			"bidPrice": "1200",
			"askPrice": "1250",
			"markPrice": "1225.5",
			"markPriceIv": "0.5512",
			"indexPrice": "61000",
			"underlyingPrice": "61100",
			"delta": "0.55",
			"gamma": "0.00003",
			"vega": "110.2",
			"theta": "-45.1",
			"openInterest": "12.5",
			"lastPrice": "1230",
			"change24h": "0.031"
		}
	}`)

	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameTicker {
		t.Errorf("expected kind ticker, got %s", frame.Kind)
	}
	if frame.Symbol != "BTC-27DEC24-60000-C" {
		t.Errorf("expected symbol BTC-27DEC24-60000-C, got %s", frame.Symbol)
	}

	u := frame.Update
	checks := []struct {
		name     string
		got      *float64
		expected float64
	}{
		{"bid", u.TickerBid, 1200},
		{"ask", u.TickerAsk, 1250},
		{"mark", u.Mark, 1225.5},
		{"iv", u.MarkIV, 55.12},
		{"index", u.Index, 61000},
		{"underlying", u.Underlying, 61100},
		{"delta", u.Delta, 0.55},
		{"theta", u.Theta, -45.1},
		{"oi", u.OpenInterest, 12.5},
		{"last", u.Last, 1230},
		{"change", u.Change24h, 0.031},
	}
	for _, c := range checks {
		if c.got == nil {
			t.Errorf("%s: expected %v, got nil", c.name, c.expected)
			continue
		}
		if math.Abs(*c.got-c.expected) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", c.name, c.expected, *c.got)
		}
	}
	if u.BookBid != nil || u.BookAsk != nil {
		t.Error("ticker frame must not carry book prices")
	}
}

func TestParseFrameLinearDelta(t *testing.T) {
	// Линейный тикер: bid1Price/ask1Price, поля только частично, символ из топика
	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","data":{"bid1Price":"61000.5","ask1Price":"","markPrice":61001,"price24hPcnt":"-0.012"}}`)

	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol from topic BTCUSDT, got %s", frame.Symbol)
	}
	if frame.Update.TickerBid == nil || *frame.Update.TickerBid != 61000.5 {
		t.Errorf("expected bid 61000.5, got %v", frame.Update.TickerBid)
	}
	if frame.Update.TickerAsk != nil {
		t.Errorf("expected empty ask to be absent, got %v", *frame.Update.TickerAsk)
	}
	if frame.Update.Mark == nil || *frame.Update.Mark != 61001 {
		t.Errorf("expected numeric mark 61001, got %v", frame.Update.Mark)
	}
	if frame.Update.Change24h == nil || *frame.Update.Change24h != -0.012 {
		t.Errorf("expected change -0.012, got %v", frame.Update.Change24h)
	}
	if frame.Update.MarkIV != nil {
		t.Error("expected no iv on linear ticker")
	}
}

func TestParseFrameOrderBook(t *testing.T) {
	raw := []byte(`{"topic":"orderbook.1.BTC-27DEC24-60000-C","type":"snapshot","data":{"s":"BTC-27DEC24-60000-C","b":[["1210","3.2"]],"a":[["1240","1.1"]],"u":1}}`)

	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameBook {
		t.Errorf("expected kind orderbook, got %s", frame.Kind)
	}
	if frame.Symbol != "BTC-27DEC24-60000-C" {
		t.Errorf("expected symbol from topic, got %s", frame.Symbol)
	}
	if frame.Update.BookBid == nil || *frame.Update.BookBid != 1210 {
		t.Errorf("expected book bid 1210, got %v", frame.Update.BookBid)
	}
	if frame.Update.BookAsk == nil || *frame.Update.BookAsk != 1240 {
		t.Errorf("expected book ask 1240, got %v", frame.Update.BookAsk)
	}
	if frame.Update.TickerBid != nil || frame.Update.Mark != nil {
		t.Error("book frame must carry best bid/ask only")
	}
}

func TestParseFrameOrderBookEmptySide(t *testing.T) {
	raw := []byte(`{"topic":"orderbook.1.ETHUSDT","type":"delta","data":{"s":"ETHUSDT","b":[],"a":[["3000","0"]]}}`)

	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Update.BookBid != nil {
		t.Error("expected empty bid side to be absent")
	}
	if frame.Update.BookAsk != nil {
		t.Error("expected zero-size ask level to be absent")
	}
}

func TestParseFrameControl(t *testing.T) {
	frames := []string{
		`{"success":true,"ret_msg":"pong","conn_id":"abc","op":"ping"}`,
		`{"success":true,"ret_msg":"","conn_id":"abc","req_id":"","op":"subscribe"}`,
	}
	for _, raw := range frames {
		frame, err := ParseFrame([]byte(raw))
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", raw, err)
		}
		if frame.Kind != FrameControl {
			t.Errorf("expected control frame, got %s", frame.Kind)
		}
	}
}

func TestParseFrameMalformed(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{"topic":`, ErrMalformedFrame},
		{"no topic no op", `{"data":{}}`, ErrMalformedFrame},
		{"unknown topic", `{"topic":"publicTrade.BTCUSDT","data":[]}`, ErrUnknownTopic},
		{"ticker without data", `{"topic":"tickers.BTCUSDT"}`, ErrMalformedFrame},
		{"ticker bad number", `{"topic":"tickers.BTCUSDT","data":{"markPrice":"abc"}}`, ErrMalformedFrame},
		{"book without symbol", `{"topic":"orderbook.1.","data":{"b":[],"a":[]}}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	topics := Topics("BTCUSDT")
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	if topics[0] != "tickers.BTCUSDT" {
		t.Errorf("expected tickers.BTCUSDT, got %s", topics[0])
	}
	if topics[1] != "orderbook.1.BTCUSDT" {
		t.Errorf("expected orderbook.1.BTCUSDT, got %s", topics[1])
	}
}
