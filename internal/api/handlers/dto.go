package handlers

import (
	"fmt"
	"strings"
	"time"

	"optiondesk/internal/models"
	"optiondesk/internal/service"
	"optiondesk/internal/valuation"
	"optiondesk/pkg/utils"
)

// Неизвестные величины (NaN) отдаются как null: *float64 через models.OptFloat.

// ============================================================
// Запросы
// ============================================================

// LegRequest нога в запросе на создание позиции.
// Опционный символ (BTC-27DEC24-60000-C) задаёт страйк, тип и экспирацию;
// символ без дефисов (BTCUSDT) считается базовым активом.
type LegRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // long | short; для vertical игнорируется
	Qty        float64 `json:"qty"`
	EntryPrice float64 `json:"entry_price"`
	Hidden     bool    `json:"hidden"`
}

// CreatePositionRequest структура запроса на создание позиции
type CreatePositionRequest struct {
	Kind        string       `json:"kind"` // vertical | multi
	Legs        []LegRequest `json:"legs"`
	EntryCredit *float64     `json:"entry_credit,omitempty"` // vertical: по умолчанию short - long
	Favorite    bool         `json:"favorite"`
	Note        string       `json:"note"`
}

// UpdatePositionRequest изменяемые метки позиции
type UpdatePositionRequest struct {
	Favorite *bool   `json:"favorite,omitempty"`
	Note     *string `json:"note,omitempty"`
}

// UpdateLegRequest изменяемые поля ноги
type UpdateLegRequest struct {
	Qty    *float64 `json:"qty,omitempty"`
	Hidden *bool    `json:"hidden,omitempty"`
}

// ExitLegRequest цена ручного выхода
type ExitLegRequest struct {
	Price *float64 `json:"price"`
}

// SettleRequest расчётная цена экспирации
type SettleRequest struct {
	ExpiryMs int64    `json:"expiry_ms"`
	Price    *float64 `json:"price"`
}

// validate проверяет поля ноги; side обязателен только вне vertical
func (l LegRequest) validate(requireSide bool) error {
	var errs utils.ValidationErrors
	errs.AddError("symbol", utils.ValidateSymbol(strings.TrimSpace(l.Symbol)))
	errs.AddError("qty", utils.ValidateQuantity(l.Qty))
	errs.AddError("entry_price", utils.ValidateNonNegativePrice(l.EntryPrice))
	if requireSide {
		errs.AddError("side", utils.ValidateSide(l.Side))
	}
	if err := errs.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidLeg, err)
	}
	return nil
}

func (l LegRequest) toLeg() (models.Leg, error) {
	leg := models.Leg{
		Symbol:     strings.ToUpper(strings.TrimSpace(l.Symbol)),
		Side:       models.Side(strings.ToLower(l.Side)),
		Qty:        l.Qty,
		EntryPrice: l.EntryPrice,
		Hidden:     l.Hidden,
	}
	if !strings.Contains(leg.Symbol, "-") {
		leg.Type = models.Underlying
		return leg, nil
	}
	inst, err := models.ParseOptionSymbol(leg.Symbol)
	if err != nil {
		return models.Leg{}, fmt.Errorf("%w: %v", models.ErrInvalidLeg, err)
	}
	leg.Type = inst.Type
	leg.Strike = inst.Strike
	leg.ExpiryMs = inst.ExpiryMs
	return leg, nil
}

// toPosition собирает позицию из запроса
func (req CreatePositionRequest) toPosition(now time.Time) (*models.Position, error) {
	kind := models.PositionKind(strings.ToLower(req.Kind))
	legs := make([]models.Leg, 0, len(req.Legs))
	for i, l := range req.Legs {
		if err := l.validate(kind != models.PositionVertical); err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		leg, err := l.toLeg()
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		legs = append(legs, leg)
	}

	var (
		pos *models.Position
		err error
	)
	switch kind {
	case models.PositionVertical:
		if len(legs) != 2 {
			return nil, fmt.Errorf("%w: vertical needs exactly 2 legs", models.ErrInvalidLeg)
		}
		if legs[0].Qty != legs[1].Qty {
			return nil, fmt.Errorf("%w: vertical legs must have equal qty", models.ErrInvalidLeg)
		}
		credit := legs[0].EntryPrice - legs[1].EntryPrice
		if req.EntryCredit != nil {
			credit = *req.EntryCredit
		}
		pos, err = models.NewVertical(legs[0], legs[1], credit, now)
	case models.PositionMulti, "":
		if len(legs) == 0 {
			return nil, models.ErrNoLegs
		}
		pos, err = models.NewMulti(legs, now)
	default:
		return nil, fmt.Errorf("%w: unknown position kind %q", models.ErrInvalidLeg, req.Kind)
	}
	if err != nil {
		return nil, err
	}
	pos.Favorite = req.Favorite
	pos.Note = req.Note
	return pos, nil
}

// ============================================================
// Ответы
// ============================================================

// QuoteResponse снимок котировки
type QuoteResponse struct {
	Symbol       string    `json:"symbol"`
	Bid          *float64  `json:"bid"`
	Ask          *float64  `json:"ask"`
	Mark         *float64  `json:"mark"`
	MarkIV       *float64  `json:"mark_iv"`
	Index        *float64  `json:"index"`
	Underlying   *float64  `json:"underlying"`
	Delta        *float64  `json:"delta"`
	Gamma        *float64  `json:"gamma"`
	Vega         *float64  `json:"vega"`
	Theta        *float64  `json:"theta"`
	OpenInterest *float64  `json:"open_interest"`
	Last         *float64  `json:"last"`
	Change24h    *float64  `json:"change_24h"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func quoteToResponse(q models.Quote) QuoteResponse {
	bid, ask := q.BidAsk()
	return QuoteResponse{
		Symbol:       q.Symbol,
		Bid:          models.OptFloat(bid),
		Ask:          models.OptFloat(ask),
		Mark:         models.OptFloat(q.Mark),
		MarkIV:       models.OptFloat(q.MarkIV),
		Index:        models.OptFloat(q.Index),
		Underlying:   models.OptFloat(q.Underlying),
		Delta:        models.OptFloat(q.Delta),
		Gamma:        models.OptFloat(q.Gamma),
		Vega:         models.OptFloat(q.Vega),
		Theta:        models.OptFloat(q.Theta),
		OpenInterest: models.OptFloat(q.OpenInterest),
		Last:         models.OptFloat(q.Last),
		Change24h:    models.OptFloat(q.Change24h),
		UpdatedAt:    q.UpdatedAt,
	}
}

// LegSnapshotResponse оценка ноги
type LegSnapshotResponse struct {
	Index     int            `json:"index"`
	Symbol    string         `json:"symbol"`
	Side      string         `json:"side"`
	Qty       float64        `json:"qty"`
	State     string         `json:"state"`
	Bid       *float64       `json:"bid"`
	Ask       *float64       `json:"ask"`
	Mid       *float64       `json:"mid"`
	Exec      *float64       `json:"exec"`
	OI        *float64       `json:"open_interest"`
	Spread    *float64       `json:"spread"`
	SpreadPct *float64       `json:"spread_pct"`
	PnLMid    *float64       `json:"pnl_mid"`
	PnLExec   *float64       `json:"pnl_exec"`
	Greeks    GreeksResponse `json:"greeks"`
	IV        *float64       `json:"iv"`
	EntryIV   *float64       `json:"entry_iv"`
	DeltaIV   *float64       `json:"delta_iv"`
	Hidden    bool           `json:"hidden"`
	Fetching  bool           `json:"fetching"`
}

// GreeksResponse греки ноги или позиции
type GreeksResponse struct {
	Delta *float64 `json:"delta"`
	Gamma *float64 `json:"gamma"`
	Vega  *float64 `json:"vega"`
	Theta *float64 `json:"theta"`
}

func greeksToResponse(g valuation.Greeks) GreeksResponse {
	return GreeksResponse{
		Delta: models.OptFloat(g.Delta),
		Gamma: models.OptFloat(g.Gamma),
		Vega:  models.OptFloat(g.Vega),
		Theta: models.OptFloat(g.Theta),
	}
}

// LiquidityResponse худшая ликвидность среди живых ног
type LiquidityResponse struct {
	MaxSpread    *float64 `json:"max_spread"`
	MinOI        *float64 `json:"min_oi"`
	MaxSpreadPct *float64 `json:"max_spread_pct"`
}

// SummaryResponse агрегированная оценка позиции
type SummaryResponse struct {
	NetEntry  *float64              `json:"net_entry"`
	NetMid    *float64              `json:"net_mid"`
	NetExec   *float64              `json:"net_exec"`
	PnLMid    *float64              `json:"pnl_mid"`
	PnLExec   *float64              `json:"pnl_exec"`
	Greeks    GreeksResponse        `json:"greeks"`
	Liquidity LiquidityResponse     `json:"liquidity"`
	Fetching  bool                  `json:"fetching"`
	Settled   int                   `json:"settled"`
	Exited    int                   `json:"exited"`
	Legs      []LegSnapshotResponse `json:"legs"`
}

func summaryToResponse(s valuation.PositionSummary) SummaryResponse {
	legs := make([]LegSnapshotResponse, 0, len(s.Legs))
	for _, l := range s.Legs {
		legs = append(legs, LegSnapshotResponse{
			Index:     l.Index,
			Symbol:    l.Symbol,
			Side:      string(l.Side),
			Qty:       l.Qty,
			State:     string(l.State),
			Bid:       models.OptFloat(l.Bid),
			Ask:       models.OptFloat(l.Ask),
			Mid:       models.OptFloat(l.Mid),
			Exec:      models.OptFloat(l.Exec),
			OI:        models.OptFloat(l.OpenInterest),
			Spread:    models.OptFloat(l.Spread),
			SpreadPct: models.OptFloat(l.SpreadPct),
			PnLMid:    models.OptFloat(l.PnLMid),
			PnLExec:   models.OptFloat(l.PnLExec),
			Greeks:    greeksToResponse(l.Greeks),
			IV:        models.OptFloat(l.IV),
			EntryIV:   models.OptFloat(l.EntryIV),
			DeltaIV:   models.OptFloat(l.DeltaIV),
			Hidden:    l.Hidden,
			Fetching:  l.Fetching,
		})
	}
	return SummaryResponse{
		NetEntry: models.OptFloat(s.NetEntry),
		NetMid:   models.OptFloat(s.NetMid),
		NetExec:  models.OptFloat(s.NetExec),
		PnLMid:   models.OptFloat(s.PnLMid),
		PnLExec:  models.OptFloat(s.PnLExec),
		Greeks:   greeksToResponse(s.Greeks),
		Liquidity: LiquidityResponse{
			MaxSpread:    models.OptFloat(s.Liquidity.MaxSpread),
			MinOI:        models.OptFloat(s.Liquidity.MinOI),
			MaxSpreadPct: models.OptFloat(s.Liquidity.MaxSpreadPct),
		},
		Fetching: s.Fetching,
		Settled:  s.Settled,
		Exited:   s.Exited,
		Legs:     legs,
	}
}

// ExtremaResponse экстремумы PnL на экспирации
type ExtremaResponse struct {
	MaxProfit       *float64 `json:"max_profit"`
	MaxProfitAt     *float64 `json:"max_profit_at"`
	MaxLoss         *float64 `json:"max_loss"`
	MaxLossAt       *float64 `json:"max_loss_at"`
	ProfitUnbounded bool     `json:"profit_unbounded"`
	LossUnbounded   bool     `json:"loss_unbounded"`
}

func extremaToResponse(e valuation.Extrema) ExtremaResponse {
	return ExtremaResponse{
		MaxProfit:       models.OptFloat(e.MaxProfit),
		MaxProfitAt:     models.OptFloat(e.MaxProfitAt),
		MaxLoss:         models.OptFloat(e.MaxLoss),
		MaxLossAt:       models.OptFloat(e.MaxLossAt),
		ProfitUnbounded: e.ProfitUnbounded,
		LossUnbounded:   e.LossUnbounded,
	}
}

// RowResponse строка таблицы позиций
type RowResponse struct {
	Position        *models.Position `json:"position"`
	Strategy        string           `json:"strategy"`
	Summary         SummaryResponse  `json:"summary"`
	Extrema         ExtremaResponse  `json:"extrema"`
	BreakEvens      []float64        `json:"break_evens"`
	PendingExpiries []int64          `json:"pending_expiries"`
	Spot            *float64         `json:"spot"`
}

func rowToResponse(row service.Row) RowResponse {
	breakEvens := make([]float64, 0, len(row.BreakEvens))
	for _, be := range row.BreakEvens {
		if models.OptFloat(be) != nil {
			breakEvens = append(breakEvens, be)
		}
	}
	pending := row.PendingExpiries
	if pending == nil {
		pending = []int64{}
	}
	return RowResponse{
		Position:        row.Position,
		Strategy:        row.Strategy,
		Summary:         summaryToResponse(row.Summary),
		Extrema:         extremaToResponse(row.Extrema),
		BreakEvens:      breakEvens,
		PendingExpiries: pending,
		Spot:            models.OptFloat(row.Spot),
	}
}

// PointResponse точка графика
type PointResponse struct {
	S   float64  `json:"s"`
	PnL *float64 `json:"pnl"`
}

func pointsToResponse(points []valuation.PayoffPoint) []PointResponse {
	out := make([]PointResponse, len(points))
	for i, p := range points {
		out[i] = PointResponse{S: p.S, PnL: models.OptFloat(p.PnL)}
	}
	return out
}

// TodayResponse модельная кривая на время ползунка
type TodayResponse struct {
	EvalTime time.Time       `json:"eval_time"`
	Progress float64         `json:"progress"`
	Offset   *float64        `json:"offset"`
	Points   []PointResponse `json:"points"`
}

// PayoffResponse графики позиции
type PayoffResponse struct {
	PositionID string          `json:"position_id"`
	Spot       *float64        `json:"spot"`
	Expiry     []PointResponse `json:"expiry"`
	Today      TodayResponse   `json:"today"`
	Extrema    ExtremaResponse `json:"extrema"`
	BreakEvens []float64       `json:"break_evens"`
}

func payoffToResponse(v service.PayoffView) PayoffResponse {
	breakEvens := v.BreakEvens
	if breakEvens == nil {
		breakEvens = []float64{}
	}
	return PayoffResponse{
		PositionID: v.PositionID,
		Spot:       models.OptFloat(v.Spot),
		Expiry:     pointsToResponse(v.Expiry),
		Today: TodayResponse{
			EvalTime: v.Today.EvalTime,
			Progress: v.Today.Progress,
			Offset:   models.OptFloat(v.Today.Offset),
			Points:   pointsToResponse(v.Today.Points),
		},
		Extrema:    extremaToResponse(v.Extrema),
		BreakEvens: breakEvens,
	}
}
