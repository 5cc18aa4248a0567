package marketdata

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"optiondesk/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Префиксы топиков Bybit V5
const (
	tickerPrefix = "tickers."
	bookPrefix   = "orderbook.1."
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownTopic   = errors.New("unknown topic")
)

// FrameKind тип входящего кадра
type FrameKind string

const (
	FrameTicker  FrameKind = "ticker"
	FrameBook    FrameKind = "orderbook"
	FrameControl FrameKind = "control" // ответы subscribe/ping
)

// Frame разобранный кадр потока
type Frame struct {
	Kind   FrameKind
	Topic  string
	Symbol string
	Update models.QuoteUpdate
}

// TickerTopic топик тикера символа
func TickerTopic(symbol string) string { return tickerPrefix + symbol }

// BookTopic топик лучшего уровня стакана
func BookTopic(symbol string) string { return bookPrefix + symbol }

// Topics все топики, на которые подписывается символ
func Topics(symbol string) []string {
	return []string{TickerTopic(symbol), BookTopic(symbol)}
}

// NormalizeIV приводит волатильность к процентам.
//
// Поток отдаёт IV то долей (0.55), то процентами (55).
// Эвристика: |v| <= 3 считается долей и умножается на 100.
// Известное ограничение: реальная IV выше 300%, пришедшая долей,
// будет принята за проценты.
func NormalizeIV(v float64) float64 {
	if math.Abs(v) <= 3 {
		return v * 100
	}
	return v
}

// flexFloat число, которое может прийти строкой, числом или пустым
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: bad number %q", ErrMalformedFrame, s)
	}
	f.v, f.ok = v, true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.ok || math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return nil
	}
	v := f.v
	return &v
}

type envelope struct {
	Topic string              `json:"topic"`
	Type  string              `json:"type"`
	Op    string              `json:"op"`
	Data  jsoniter.RawMessage `json:"data"`
}

// Поля тикера опционов и линейных контрактов вместе
type tickerData struct {
	Symbol string `json:"symbol"`

	BidPrice  flexFloat `json:"bidPrice"`
	AskPrice  flexFloat `json:"askPrice"`
	Bid1Price flexFloat `json:"bid1Price"`
	Ask1Price flexFloat `json:"ask1Price"`

	MarkPrice       flexFloat `json:"markPrice"`
	MarkPriceIv     flexFloat `json:"markPriceIv"`
	IndexPrice      flexFloat `json:"indexPrice"`
	UnderlyingPrice flexFloat `json:"underlyingPrice"`
	Delta           flexFloat `json:"delta"`
	Gamma           flexFloat `json:"gamma"`
	Vega            flexFloat `json:"vega"`
	Theta           flexFloat `json:"theta"`
	OpenInterest    flexFloat `json:"openInterest"`
	LastPrice       flexFloat `json:"lastPrice"`
	Change24h       flexFloat `json:"change24h"`
	Price24hPcnt    flexFloat `json:"price24hPcnt"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// ParseFrame разбирает кадр Bybit V5 public stream.
//
// Ошибки означают, что кадр нужно отбросить; наружу они не уходят.
func ParseFrame(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case env.Topic == "" && env.Op != "":
		return Frame{Kind: FrameControl}, nil
	case strings.HasPrefix(env.Topic, tickerPrefix):
		return parseTicker(env)
	case strings.HasPrefix(env.Topic, bookPrefix):
		return parseBook(env)
	case env.Topic == "":
		return Frame{}, fmt.Errorf("%w: no topic", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownTopic, env.Topic)
	}
}

func parseTicker(env envelope) (Frame, error) {
	if len(env.Data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty ticker data", ErrMalformedFrame)
	}
	var d tickerData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	symbol := d.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(env.Topic, tickerPrefix)
	}
	if symbol == "" {
		return Frame{}, fmt.Errorf("%w: no symbol", ErrMalformedFrame)
	}

	u := models.QuoteUpdate{
		TickerBid:    firstPtr(d.BidPrice, d.Bid1Price),
		TickerAsk:    firstPtr(d.AskPrice, d.Ask1Price),
		Mark:         d.MarkPrice.ptr(),
		Index:        d.IndexPrice.ptr(),
		Underlying:   d.UnderlyingPrice.ptr(),
		Delta:        d.Delta.ptr(),
		Gamma:        d.Gamma.ptr(),
		Vega:         d.Vega.ptr(),
		Theta:        d.Theta.ptr(),
		OpenInterest: d.OpenInterest.ptr(),
		Last:         d.LastPrice.ptr(),
		Change24h:    firstPtr(d.Change24h, d.Price24hPcnt),
	}
	if iv := d.MarkPriceIv.ptr(); iv != nil {
		n := NormalizeIV(*iv)
		u.MarkIV = &n
	}

	return Frame{Kind: FrameTicker, Topic: env.Topic, Symbol: symbol, Update: u}, nil
}

func parseBook(env envelope) (Frame, error) {
	symbol := strings.TrimPrefix(env.Topic, bookPrefix)
	if symbol == "" {
		return Frame{}, fmt.Errorf("%w: no symbol in topic", ErrMalformedFrame)
	}
	if len(env.Data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty book data", ErrMalformedFrame)
	}
	var d bookData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	u := models.QuoteUpdate{
		BookBid: bestLevel(d.Bids),
		BookAsk: bestLevel(d.Asks),
	}
	return Frame{Kind: FrameBook, Topic: env.Topic, Symbol: symbol, Update: u}, nil
}

// bestLevel цена первого уровня; пустая сторона или нулевой объём = нет обновления
func bestLevel(levels [][]string) *float64 {
	if len(levels) == 0 || len(levels[0]) < 2 {
		return nil
	}
	price, err := strconv.ParseFloat(levels[0][0], 64)
	if err != nil || price <= 0 {
		return nil
	}
	size, err := strconv.ParseFloat(levels[0][1], 64)
	if err != nil || size <= 0 {
		return nil
	}
	return &price
}

func firstPtr(values ...flexFloat) *float64 {
	for _, v := range values {
		if p := v.ptr(); p != nil {
			return p
		}
	}
	return nil
}
