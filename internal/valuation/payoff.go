package valuation

import (
	"math"
	"sort"

	"optiondesk/internal/models"
	"optiondesk/internal/pricing"
	"optiondesk/pkg/utils"
)

// FarNodeMultiple правый узел экстремумов: 5 x максимальный страйк
const FarNodeMultiple = 5.0

// PayoffPoint точка графика PnL(S)
type PayoffPoint struct {
	S   float64 `json:"s"`
	PnL float64 `json:"pnl"`
}

// Extrema экстремумы PnL на экспирации
type Extrema struct {
	MaxProfit       float64 `json:"max_profit"`
	MaxProfitAt     float64 `json:"max_profit_at"`
	MaxLoss         float64 `json:"max_loss"` // положительная величина убытка
	MaxLossAt       float64 `json:"max_loss_at"`
	ProfitUnbounded bool    `json:"profit_unbounded"`
	LossUnbounded   bool    `json:"loss_unbounded"`
}

// payoffTerm вклад одной ноги: sign * value(S) * qty
type payoffTerm struct {
	typ    models.OptionType
	strike float64
	weight float64 // sign(side) * qty

	// для вышедших и расчитанных ног стоимость зафиксирована
	fixed      bool
	fixedValue float64
}

func (t payoffTerm) value(S float64) float64 {
	if t.fixed {
		return t.fixedValue
	}
	return pricing.Intrinsic(t.typ, S, t.strike)
}

// Payoff кусочно-линейный PnL позиции на экспирации:
// PnL(S) = netEntry - sum(sign * value(S) * qty)
type Payoff struct {
	netEntry float64
	terms    []payoffTerm
	nodes    []float64 // 0, страйки, дальняя проба
	slope    float64   // dPnL/dS правее последнего страйка
}

// BuildPayoff строит функцию выплаты позиции
func BuildPayoff(pos *models.Position) *Payoff {
	p := &Payoff{netEntry: NetEntry(pos)}

	var strikes []float64
	ref := 0.0
	for _, leg := range pos.Legs {
		term := payoffTerm{
			typ:    leg.Type,
			strike: leg.Strike,
			weight: leg.Side.Sign() * leg.Qty,
		}
		if leg.IsUnderlying() {
			term.typ = models.Underlying
		}

		state := pos.EffectiveState(leg)
		switch state.Kind {
		case models.LegSettled:
			term.fixed = true
			term.fixedValue = SettledValue(leg, state.Price)
		case models.LegExited:
			term.fixed = true
			term.fixedValue = state.Price
		default:
			// правый наклон: long call/underlying +qty, short -qty
			if term.typ == models.OptionCall || term.typ == models.Underlying {
				p.slope -= term.weight
			}
		}
		p.terms = append(p.terms, term)

		if leg.IsOption() && leg.Strike > 0 {
			strikes = append(strikes, leg.Strike)
			ref = math.Max(ref, leg.Strike)
		} else if leg.IsUnderlying() {
			ref = math.Max(ref, leg.EntryPrice)
		}
	}

	if ref <= 0 {
		ref = 1
	}
	p.nodes = buildNodes(strikes, ref*FarNodeMultiple)
	return p
}

// buildNodes 0, уникальные страйки по возрастанию, дальний узел
func buildNodes(strikes []float64, extra float64) []float64 {
	sort.Float64s(strikes)
	nodes := []float64{0}
	for _, k := range strikes {
		if math.Abs(k-nodes[len(nodes)-1]) > strikeEpsilon {
			nodes = append(nodes, k)
		}
	}
	if extra > nodes[len(nodes)-1] {
		nodes = append(nodes, extra)
	}
	return nodes
}

// strikeEpsilon равенство страйков
const strikeEpsilon = 1e-6

// PnL значение на экспирации при цене S
func (p *Payoff) PnL(S float64) float64 {
	total := 0.0
	for _, t := range p.terms {
		total += t.weight * t.value(S)
	}
	return p.netEntry - total
}

// Slope наклон PnL правее всех страйков
func (p *Payoff) Slope() float64 {
	return p.slope
}

// Nodes узлы, в которых вычисляются экстремумы
func (p *Payoff) Nodes() []float64 {
	return append([]float64(nil), p.nodes...)
}

// Extrema экстремумы по узлам. Наклон справа определяет неограниченность:
// < 0 убыток не ограничен, > 0 прибыль не ограничена.
// Для неограниченной стороны величина остаётся значением в дальней пробе.
func (p *Payoff) Extrema() Extrema {
	best, worst := math.Inf(-1), math.Inf(1)
	var bestAt, worstAt float64
	for _, s := range p.nodes {
		v := p.PnL(s)
		if v > best {
			best, bestAt = v, s
		}
		if v < worst {
			worst, worstAt = v, s
		}
	}

	ext := Extrema{
		MaxProfit:   math.Max(0, best),
		MaxProfitAt: bestAt,
		MaxLoss:     math.Max(0, -worst),
		MaxLossAt:   worstAt,
	}
	switch {
	case p.slope < -utils.DefaultAbsTol:
		ext.LossUnbounded = true
	case p.slope > utils.DefaultAbsTol:
		ext.ProfitUnbounded = true
	}
	return ext
}

// BreakEvens точки нулевого PnL по возрастанию.
//
// Пересечения ищутся между соседними узлами линейной интерполяцией,
// плюс экстраполяция правее дальней пробы по наклону.
func (p *Payoff) BreakEvens() []float64 {
	var out []float64
	add := func(x float64) {
		if len(out) > 0 && utils.ApproxTol(out[len(out)-1], x, utils.DefaultRelTol, strikeEpsilon) {
			return
		}
		out = append(out, x)
	}

	for i := 0; i < len(p.nodes)-1; i++ {
		x0, x1 := p.nodes[i], p.nodes[i+1]
		y0, y1 := p.PnL(x0), p.PnL(x1)
		switch {
		case isZero(y0):
			add(x0)
		case isZero(y1):
			// добавится на следующем отрезке
		case (y0 < 0) != (y1 < 0):
			add(utils.InterpolateZero(x0, y0, x1, y1))
		}
	}

	last := p.nodes[len(p.nodes)-1]
	yLast := p.PnL(last)
	if isZero(yLast) {
		add(last)
	} else if math.Abs(p.slope) > utils.DefaultAbsTol && (yLast < 0) != (p.slope < 0) {
		add(last - yLast/p.slope)
	}
	return out
}

func isZero(v float64) bool {
	return math.Abs(v) <= 1e-9
}

// Sample n точек PnL на [lo, hi]
func (p *Payoff) Sample(lo, hi float64, n int) []PayoffPoint {
	xs := utils.Linspace(lo, hi, n)
	out := make([]PayoffPoint, len(xs))
	for i, s := range xs {
		out[i] = PayoffPoint{S: s, PnL: p.PnL(s)}
	}
	return out
}
