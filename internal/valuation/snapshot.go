package valuation

import (
	"math"
	"time"

	"optiondesk/internal/models"
	"optiondesk/internal/pricing"
	"optiondesk/pkg/utils"
)

// Greeks греки ноги или позиции. Для позиции: long +1, short -1, умножено на qty.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

func (g Greeks) add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Vega:  g.Vega + o.Vega,
		Theta: g.Theta + o.Theta,
	}
}

// LegSnapshot оценка одной ноги на текущий момент.
// Неизвестные величины NaN.
type LegSnapshot struct {
	Index  int
	Symbol string
	Side   models.Side
	Qty    float64
	State  models.LegStateKind

	Bid  float64
	Ask  float64
	Mid  float64
	Exec float64 // цена закрытия сейчас: ask для short, bid для long

	OpenInterest float64
	Spread       float64
	SpreadPct    float64

	PnLMid  float64
	PnLExec float64

	Greeks Greeks

	// Волатильность в процентах; только для живых опционных ног
	IV      float64
	EntryIV float64
	DeltaIV float64

	Hidden   bool
	Fetching bool // котировки ещё нет, цены взяты из входа
	Settled  bool
	Exited   bool
}

// legPnL sign(side) * (entry - price) * qty; short зарабатывает при падении цены
func legPnL(leg models.Leg, price float64) float64 {
	if !utils.IsFinite(price) {
		return math.NaN()
	}
	return leg.Side.Sign() * (leg.EntryPrice - price) * leg.Qty
}

// greekSign long +1, short -1
func greekSign(side models.Side) float64 {
	return -side.Sign()
}

// SettledValue стоимость ноги при расчётной цене базового актива
func SettledValue(leg models.Leg, settlePrice float64) float64 {
	if leg.IsUnderlying() {
		return settlePrice
	}
	return pricing.Intrinsic(leg.Type, settlePrice, leg.Strike)
}

func newSnapshot(index int, leg models.Leg) LegSnapshot {
	nan := math.NaN()
	return LegSnapshot{
		Index:        index,
		Symbol:       leg.Symbol,
		Side:         leg.Side,
		Qty:          leg.Qty,
		Bid:          nan,
		Ask:          nan,
		Mid:          nan,
		Exec:         nan,
		OpenInterest: nan,
		Spread:       nan,
		SpreadPct:    nan,
		PnLMid:       nan,
		PnLExec:      nan,
		IV:           nan,
		EntryIV:      nan,
		DeltaIV:      nan,
		Hidden:       leg.Hidden,
	}
}

// ComputeLegSnapshot оценивает ногу index позиции.
//
// Порядок:
//   - Settled (терминально): внутренняя стоимость при расчётной цене, греки 0
//   - Exited: цена выхода как bid/ask/mid/exec, греки 0
//   - Live: котировка; без котировки Fetching и цена входа
func ComputeLegSnapshot(pos *models.Position, index int, q models.Quote, ok bool, now time.Time) LegSnapshot {
	leg := pos.Legs[index]
	snap := newSnapshot(index, leg)
	state := pos.EffectiveState(leg)
	snap.State = state.Kind

	switch state.Kind {
	case models.LegSettled:
		value := SettledValue(leg, state.Price)
		snap.Settled = true
		snap.Mid = value
		snap.Exec = value
		snap.PnLMid = legPnL(leg, value)
		snap.PnLExec = snap.PnLMid
		return snap

	case models.LegExited:
		snap.Exited = true
		snap.Bid = state.Price
		snap.Ask = state.Price
		snap.Mid = state.Price
		snap.Exec = state.Price
		snap.PnLMid = legPnL(leg, state.Price)
		snap.PnLExec = snap.PnLMid
		return snap
	}

	snap.State = models.LegLive
	if leg.IsUnderlying() {
		// у perpetual нет опционных греков: дельта 1 на единицу
		snap.Greeks.Delta = greekSign(leg.Side) * leg.Qty
	}

	if !ok {
		snap.Fetching = true
		snap.Mid = leg.EntryPrice
		snap.Exec = leg.EntryPrice
		snap.PnLMid = 0
		snap.PnLExec = 0
		return snap
	}

	bid, ask := q.BidAsk()
	if utils.IsFinite(bid) && bid > 0 {
		snap.Bid = bid
	}
	if utils.IsFinite(ask) && ask > 0 {
		snap.Ask = ask
	}
	if utils.IsFinite(q.OpenInterest) {
		snap.OpenInterest = q.OpenInterest
	}

	mid := utils.Mid(snap.Bid, snap.Ask)
	if utils.IsFinite(mid) {
		snap.Spread = snap.Ask - snap.Bid
		snap.SpreadPct = utils.SpreadPct(snap.Bid, snap.Ask)
	} else if utils.IsFinite(q.Mark) && q.Mark > 0 {
		mid = q.Mark
	} else {
		mid = leg.EntryPrice
		snap.Fetching = true
	}
	snap.Mid = mid

	exec := snap.Bid
	if leg.Side == models.SideShort {
		exec = snap.Ask
	}
	if !utils.IsFinite(exec) {
		exec = mid
	}
	snap.Exec = exec

	snap.PnLMid = legPnL(leg, snap.Mid)
	snap.PnLExec = legPnL(leg, snap.Exec)

	sign := greekSign(leg.Side) * leg.Qty
	if leg.IsOption() {
		snap.Greeks = Greeks{
			Delta: sign * finiteOrZero(q.Delta),
			Gamma: sign * finiteOrZero(q.Gamma),
			Vega:  sign * finiteOrZero(q.Vega),
			Theta: sign * finiteOrZero(q.Theta),
		}
		snap.IV = q.MarkIV
		snap.EntryIV = entryIV(leg, q, now)
		if utils.IsFinite(snap.IV) && utils.IsFinite(snap.EntryIV) {
			snap.DeltaIV = snap.IV - snap.EntryIV
		}
	} else if utils.IsFinite(q.Delta) {
		snap.Greeks.Delta = sign * q.Delta
	}

	return snap
}

// entryIV волатильность (в процентах), подразумеваемая ценой входа при текущем споте
func entryIV(leg models.Leg, q models.Quote, now time.Time) float64 {
	spot := q.SpotPrice()
	T := utils.YearsBetween(now.UnixMilli(), leg.ExpiryMs)
	if !utils.IsFinite(spot) || T <= pricing.Epsilon {
		return math.NaN()
	}
	iv, ok := pricing.ImpliedVol(leg.Type, spot, leg.Strike, T, leg.EntryPrice, 0)
	if !ok {
		return math.NaN()
	}
	return iv * 100
}

func finiteOrZero(v float64) float64 {
	if utils.IsFinite(v) {
		return v
	}
	return 0
}
