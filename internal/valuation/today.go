package valuation

import (
	"math"
	"time"

	"optiondesk/internal/models"
	"optiondesk/internal/pricing"
	"optiondesk/pkg/utils"
)

// DefaultAnchorThreshold доля оставшегося времени, на которой якорь затухает до нуля
const DefaultAnchorThreshold = 0.05

// DefaultTodayPoints число точек кривой по умолчанию
const DefaultTodayPoints = 121

// TodayParams параметры кривой "сегодня"
type TodayParams struct {
	Now time.Time
	// Положение ползунка времени в [0,1] от создания позиции до ближайшей экспирации
	Slider float64

	// Живой спот и живой PnL для якоря; NaN отключает якорь
	Spot    float64
	LivePnL float64

	// Волатильность (доля) для ног без mark IV
	HVProxy float64
	Rate    float64

	AnchorThreshold float64

	Lo, Hi float64
	Points int
}

// TodayCurve модельная кривая PnL(S) на момент EvalTime
type TodayCurve struct {
	EvalTime time.Time     `json:"eval_time"`
	Progress float64       `json:"progress"`
	Offset   float64       `json:"offset"`
	Points   []PayoffPoint `json:"points"`
}

// AnchorOffset аддитивный сдвиг модели к живому PnL.
//
// distance - удалённость ползунка от "сейчас" в долях оставшегося времени.
// Сдвиг равен (live - model) при distance = 0 и линейно падает до 0 при distance >= threshold.
func AnchorOffset(modelAtSpot, livePnL, distance, threshold float64) float64 {
	if !utils.IsFinite(modelAtSpot) || !utils.IsFinite(livePnL) {
		return 0
	}
	if threshold <= 0 {
		threshold = DefaultAnchorThreshold
	}
	if distance < 0 {
		distance = 0
	}
	weight := math.Max(0, 1-distance/threshold)
	return (livePnL - modelAtSpot) * weight
}

// EvalProgress переводит ползунок во время оценки.
//
// Ползунок не может уйти в прошлое: progress >= доли уже прошедшего времени.
// В календарный день экспирации (UTC) progress = 1.
// Возвращает progress, время оценки и удалённость от "сейчас" в долях оставшегося времени.
func EvalProgress(created, expiry, now time.Time, slider float64) (progress float64, evalTime time.Time, distance float64) {
	span := expiry.Sub(created)
	if span <= 0 {
		return 1, expiry, 0
	}

	elapsed := utils.Clamp(float64(now.Sub(created))/float64(span), 0, 1)
	progress = utils.Clamp(slider, elapsed, 1)
	if utils.SameUTCDay(now, expiry) || !now.Before(expiry) {
		progress = 1
	}

	evalTime = created.Add(time.Duration(progress * float64(span)))
	if remaining := 1 - elapsed; remaining > 0 {
		distance = (progress - elapsed) / remaining
	}
	return progress, evalTime, distance
}

// earliestLiveExpiry ближайшая экспирация живых опционных ног
func earliestLiveExpiry(pos *models.Position) (time.Time, bool) {
	var best int64
	for _, leg := range pos.Legs {
		if !leg.IsOption() || pos.EffectiveState(leg).Kind != models.LegLive {
			continue
		}
		if best == 0 || leg.ExpiryMs < best {
			best = leg.ExpiryMs
		}
	}
	if best == 0 {
		return time.Time{}, false
	}
	return utils.FromUnixMillis(best), true
}

// BuildTodayCurve переоценивает живые опционные ноги по Black-Scholes
// на время оценки и якорит результат к живому PnL.
func BuildTodayCurve(pos *models.Position, quotes map[string]models.Quote, params TodayParams) TodayCurve {
	if params.Points <= 0 {
		params.Points = DefaultTodayPoints
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}

	curve := TodayCurve{EvalTime: now}
	distance := 0.0
	if expiry, ok := earliestLiveExpiry(pos); ok {
		curve.Progress, curve.EvalTime, distance = EvalProgress(pos.CreatedAt, expiry, now, params.Slider)
	}

	model := func(S float64) float64 {
		return modelPnL(pos, quotes, S, curve.EvalTime, params)
	}

	if utils.IsFinite(params.Spot) && params.Spot > 0 {
		curve.Offset = AnchorOffset(model(params.Spot), params.LivePnL, distance, params.AnchorThreshold)
	}

	xs := utils.Linspace(params.Lo, params.Hi, params.Points)
	curve.Points = make([]PayoffPoint, len(xs))
	for i, s := range xs {
		curve.Points[i] = PayoffPoint{S: s, PnL: model(s) + curve.Offset}
	}
	return curve
}

// modelPnL PnL позиции при споте S на время evalTime
func modelPnL(pos *models.Position, quotes map[string]models.Quote, S float64, evalTime time.Time, params TodayParams) float64 {
	total := 0.0
	for _, leg := range pos.Legs {
		total += leg.Side.Sign() * legModelValue(pos, leg, quotes, S, evalTime, params) * leg.Qty
	}
	return NetEntry(pos) - total
}

func legModelValue(pos *models.Position, leg models.Leg, quotes map[string]models.Quote, S float64, evalTime time.Time, params TodayParams) float64 {
	state := pos.EffectiveState(leg)
	switch state.Kind {
	case models.LegSettled:
		return SettledValue(leg, state.Price)
	case models.LegExited:
		return state.Price
	}

	if leg.IsUnderlying() {
		return S
	}

	T := utils.YearsBetween(evalTime.UnixMilli(), leg.ExpiryMs)
	if T <= pricing.Epsilon {
		return pricing.Intrinsic(leg.Type, S, leg.Strike)
	}
	return pricing.Price(leg.Type, S, leg.Strike, T, legSigma(leg, quotes, params.HVProxy), params.Rate)
}

// legSigma mark IV ноги (доля), иначе HV-прокси
func legSigma(leg models.Leg, quotes map[string]models.Quote, hv float64) float64 {
	if q, ok := quotes[leg.Symbol]; ok && utils.IsFinite(q.MarkIV) && q.MarkIV > 0 {
		return q.MarkIV / 100
	}
	if utils.IsFinite(hv) && hv > 0 {
		return hv
	}
	return 0
}
