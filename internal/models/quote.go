package models

import (
	"math"
	"time"
)

// Quote последний известный снимок котировки символа.
//
// Неизвестные поля хранятся как NaN. Поле перезаписывается только
// конечным значением из обновления (last-known-good merge).
type Quote struct {
	Symbol string

	TickerBid float64
	TickerAsk float64
	BookBid   float64 // orderbook.1
	BookAsk   float64

	Mark         float64
	MarkIV       float64 // в процентах (55.3 = 55.3%)
	Index        float64
	Underlying   float64
	Delta        float64
	Gamma        float64
	Vega         float64
	Theta        float64
	OpenInterest float64
	Last         float64
	Change24h    float64

	UpdatedAt time.Time
}

// NewQuote создаёт пустую котировку (все поля неизвестны)
func NewQuote(symbol string) Quote {
	nan := math.NaN()
	return Quote{
		Symbol:    symbol,
		TickerBid: nan, TickerAsk: nan,
		BookBid: nan, BookAsk: nan,
		Mark: nan, MarkIV: nan, Index: nan, Underlying: nan,
		Delta: nan, Gamma: nan, Vega: nan, Theta: nan,
		OpenInterest: nan, Last: nan, Change24h: nan,
	}
}

// BidAsk возвращает лучшие bid/ask.
// Стакан предпочтительнее тикера, если обе стороны известны и не пересекаются.
func (q Quote) BidAsk() (bid, ask float64) {
	if usable(q.BookBid) && usable(q.BookAsk) && q.BookBid <= q.BookAsk {
		return q.BookBid, q.BookAsk
	}
	return q.TickerBid, q.TickerAsk
}

// SpotPrice цена базового актива для опциона: underlying, затем index
func (q Quote) SpotPrice() float64 {
	if usable(q.Underlying) {
		return q.Underlying
	}
	if usable(q.Index) {
		return q.Index
	}
	return math.NaN()
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// QuoteUpdate частичное обновление котировки, nil = поле отсутствует
type QuoteUpdate struct {
	TickerBid    *float64
	TickerAsk    *float64
	BookBid      *float64
	BookAsk      *float64
	Mark         *float64
	MarkIV       *float64
	Index        *float64
	Underlying   *float64
	Delta        *float64
	Gamma        *float64
	Vega         *float64
	Theta        *float64
	OpenInterest *float64
	Last         *float64
	Change24h    *float64
}

// F возвращает указатель на значение (удобно для сборки QuoteUpdate)
func F(v float64) *float64 {
	return &v
}

// Merge применяет обновление к котировке. Возвращает true, если изменилось хотя бы одно поле.
func (q *Quote) Merge(u QuoteUpdate, at time.Time) bool {
	changed := false
	set := func(dst *float64, src *float64) {
		if src == nil || math.IsNaN(*src) || math.IsInf(*src, 0) {
			return
		}
		*dst = *src
		changed = true
	}

	set(&q.TickerBid, u.TickerBid)
	set(&q.TickerAsk, u.TickerAsk)
	set(&q.BookBid, u.BookBid)
	set(&q.BookAsk, u.BookAsk)
	set(&q.Mark, u.Mark)
	set(&q.MarkIV, u.MarkIV)
	set(&q.Index, u.Index)
	set(&q.Underlying, u.Underlying)
	set(&q.Delta, u.Delta)
	set(&q.Gamma, u.Gamma)
	set(&q.Vega, u.Vega)
	set(&q.Theta, u.Theta)
	set(&q.OpenInterest, u.OpenInterest)
	set(&q.Last, u.Last)
	set(&q.Change24h, u.Change24h)

	if changed {
		q.UpdatedAt = at
	}
	return changed
}

// OptFloat конвертирует NaN/Inf в nil для JSON-ответов
func OptFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
