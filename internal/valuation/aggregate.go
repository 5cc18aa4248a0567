package valuation

import (
	"math"
	"time"

	"optiondesk/internal/models"
	"optiondesk/pkg/utils"
)

// Liquidity худшая нога позиции по ликвидности
type Liquidity struct {
	MaxSpread    float64 `json:"max_spread"`
	MinOI        float64 `json:"min_oi"`
	MaxSpreadPct float64 `json:"max_spread_pct"`
}

// PositionSummary агрегированная оценка позиции
type PositionSummary struct {
	PositionID string
	Legs       []LegSnapshot

	NetEntry float64
	NetMid   float64
	NetExec  float64
	PnLMid   float64
	PnLExec  float64

	Greeks    Greeks
	Liquidity Liquidity

	Fetching bool
	Settled  int
	Exited   int
}

// NetEntry чистая премия на входе: short +, long -.
// Для vertical это EntryCredit * qty.
func NetEntry(pos *models.Position) float64 {
	if pos.Kind == models.PositionVertical && len(pos.Legs) == 2 {
		return pos.EntryCredit * pos.Legs[0].Qty
	}
	total := 0.0
	for _, leg := range pos.Legs {
		total += leg.Side.Sign() * leg.EntryPrice * leg.Qty
	}
	return total
}

// Aggregate оценивает все ноги и сводит их в позицию.
//
// Скрытые ноги участвуют в денежных суммах, но не в греках и ликвидности.
// Греки суммируются по нескрытым нерасчитанным ногам, ликвидность по нескрытым живым.
func Aggregate(pos *models.Position, quotes map[string]models.Quote, now time.Time) PositionSummary {
	sum := PositionSummary{
		PositionID: pos.ID,
		Legs:       make([]LegSnapshot, 0, len(pos.Legs)),
		NetEntry:   NetEntry(pos),
		Liquidity: Liquidity{
			MaxSpread:    math.NaN(),
			MinOI:        math.NaN(),
			MaxSpreadPct: math.NaN(),
		},
	}

	for i, leg := range pos.Legs {
		q, ok := quotes[leg.Symbol]
		snap := ComputeLegSnapshot(pos, i, q, ok, now)
		sum.Legs = append(sum.Legs, snap)

		sign := leg.Side.Sign()
		sum.NetMid += sign * snap.Mid * leg.Qty
		sum.NetExec += sign * snap.Exec * leg.Qty

		if snap.Fetching {
			sum.Fetching = true
		}
		switch {
		case snap.Settled:
			sum.Settled++
		case snap.Exited:
			sum.Exited++
		}

		if leg.Hidden {
			continue
		}
		if !snap.Settled {
			sum.Greeks = sum.Greeks.add(snap.Greeks)
		}
		if snap.State == models.LegLive {
			sum.Liquidity.MaxSpread = maxKnown(sum.Liquidity.MaxSpread, snap.Spread)
			sum.Liquidity.MinOI = minKnown(sum.Liquidity.MinOI, snap.OpenInterest)
			sum.Liquidity.MaxSpreadPct = maxKnown(sum.Liquidity.MaxSpreadPct, snap.SpreadPct)
		}
	}

	sum.PnLMid = sum.NetEntry - sum.NetMid
	sum.PnLExec = sum.NetEntry - sum.NetExec
	return sum
}

func maxKnown(acc, v float64) float64 {
	if !utils.IsFinite(v) {
		return acc
	}
	if !utils.IsFinite(acc) || v > acc {
		return v
	}
	return acc
}

func minKnown(acc, v float64) float64 {
	if !utils.IsFinite(v) {
		return acc
	}
	if !utils.IsFinite(acc) || v < acc {
		return v
	}
	return acc
}
