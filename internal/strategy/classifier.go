package strategy

import (
	"fmt"
	"math"
	"sort"

	"optiondesk/internal/models"
	"optiondesk/pkg/utils"
)

// Допуски сравнения
const (
	// StrikeEpsilon абсолютный допуск равенства страйков
	StrikeEpsilon = 1e-6
	// CoverageSlack запас покрытия опционной ноги базовым активом (5%)
	CoverageSlack = 0.05
	// MaxComboLegs до этого числа ног метка "{n}-leg Combo", дальше "Complex"
	MaxComboLegs = 4
)

// leg нормализованная нога: одинаковые контракты одной стороны сложены
type leg struct {
	typ    models.OptionType
	strike float64
	expiry int64
	side   models.Side
	qty    float64
}

func (l leg) long() bool { return l.side == models.SideLong }

// shape разобранная конструкция
type shape struct {
	n          int // исходное число ног
	netCredit  float64
	options    []leg // по возрастанию страйка
	underlying []leg
}

// rule правило распознавания; false - не подходит
type rule func(s shape) (string, bool)

// rules по приоритету, первое совпадение выигрывает
var rules = []rule{
	singleLeg,
	straddleOrStrangle,
	twoLegSpread,
	threeLegButterfly,
	fourLegIron,
	fourLegCondor,
	boxSpread,
	underlyingCombo,
}

// Classify возвращает название стратегии по форме ног и чистой премии.
// Нераспознанные формы получают общую метку, ошибок нет.
func Classify(legs []models.Leg, netCredit float64) string {
	if len(legs) == 0 {
		return "No Legs"
	}

	s := normalize(legs, netCredit)
	for _, r := range rules {
		if label, ok := r(s); ok {
			return label
		}
	}
	return genericLabel(s.n)
}

func genericLabel(n int) string {
	if n <= MaxComboLegs {
		return fmt.Sprintf("%d-leg Combo", n)
	}
	return fmt.Sprintf("Complex (%d legs)", n)
}

// normalize делит ноги на опционы и базовый актив, складывая одинаковые контракты
func normalize(legs []models.Leg, netCredit float64) shape {
	s := shape{n: len(legs), netCredit: netCredit}

	merge := func(dst []leg, l leg) []leg {
		for i := range dst {
			d := &dst[i]
			if d.typ == l.typ && d.side == l.side && d.expiry == l.expiry && strikeEq(d.strike, l.strike) {
				d.qty += l.qty
				return dst
			}
		}
		return append(dst, l)
	}

	for _, ml := range legs {
		l := leg{typ: ml.Type, strike: ml.Strike, expiry: ml.ExpiryMs, side: ml.Side, qty: ml.Qty}
		if ml.IsUnderlying() {
			l.typ, l.strike, l.expiry = models.Underlying, 0, 0
			s.underlying = merge(s.underlying, l)
			continue
		}
		s.options = merge(s.options, l)
	}

	sort.SliceStable(s.options, func(i, j int) bool {
		if !strikeEq(s.options[i].strike, s.options[j].strike) {
			return s.options[i].strike < s.options[j].strike
		}
		return s.options[i].typ < s.options[j].typ
	})
	return s
}

// ============================================================
// Сравнения
// ============================================================

func strikeEq(a, b float64) bool {
	return math.Abs(a-b) <= StrikeEpsilon
}

func qtyEq(a, b float64) bool {
	return utils.Approx(a, b)
}

// covered опционная нога покрыта базовым активом с запасом CoverageSlack
func covered(optionQty, underlyingQty float64) bool {
	return optionQty <= underlyingQty*(1+CoverageSlack)
}

func sameExpiry(legs []leg) bool {
	for _, l := range legs[1:] {
		if l.expiry != legs[0].expiry {
			return false
		}
	}
	return true
}

func sameType(legs []leg) bool {
	for _, l := range legs[1:] {
		if l.typ != legs[0].typ {
			return false
		}
	}
	return true
}

func sideName(long bool) string {
	if long {
		return "Long"
	}
	return "Short"
}

func typeName(t models.OptionType) string {
	switch t {
	case models.OptionCall:
		return "Call"
	case models.OptionPut:
		return "Put"
	default:
		return "Perpetual"
	}
}

// ============================================================
// Правила
// ============================================================

func singleLeg(s shape) (string, bool) {
	if len(s.options)+len(s.underlying) != 1 {
		return "", false
	}
	if len(s.underlying) == 1 {
		return sideName(s.underlying[0].long()) + " Perpetual", true
	}
	l := s.options[0]
	return sideName(l.long()) + " " + typeName(l.typ), true
}

// straddleOrStrangle call + put одной стороны и экспирации
func straddleOrStrangle(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 2 {
		return "", false
	}
	a, b := s.options[0], s.options[1]
	if a.typ == b.typ || a.side != b.side || a.expiry != b.expiry {
		return "", false
	}
	if strikeEq(a.strike, b.strike) {
		return sideName(a.long()) + " Straddle", true
	}
	return sideName(a.long()) + " Strangle", true
}

// twoLegSpread один тип, противоположные стороны: calendar, diagonal, vertical, ratio
func twoLegSpread(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 2 {
		return "", false
	}
	a, b := s.options[0], s.options[1]
	if a.typ != b.typ || a.side == b.side {
		return "", false
	}
	typ := typeName(a.typ)

	if a.expiry != b.expiry {
		if strikeEq(a.strike, b.strike) {
			return typ + " Calendar Spread", true
		}
		return typ + " Diagonal Spread", true
	}
	if strikeEq(a.strike, b.strike) {
		return "", false
	}
	if !qtyEq(a.qty, b.qty) {
		return typ + " Ratio Spread", true
	}

	// a ниже по страйку; бычий, если нижний страйк куплен
	bull := a.long()
	direction := "Bear"
	if bull {
		direction = "Bull"
	}
	return fmt.Sprintf("%s %s %s Spread", direction, typ, debitOrCredit(s.netCredit, a.typ, bull)), true
}

// debitOrCredit по знаку премии; при нулевой премии по форме спреда
func debitOrCredit(netCredit float64, typ models.OptionType, bull bool) string {
	switch {
	case utils.Approx(netCredit, 0):
		// бычий колл и медвежий пут оплачиваются
		if (typ == models.OptionCall) == bull {
			return "Debit"
		}
		return "Credit"
	case netCredit < 0:
		return "Debit"
	default:
		return "Credit"
	}
}

// threeLegButterfly три страйка одного типа и экспирации
func threeLegButterfly(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 3 {
		return "", false
	}
	o := s.options
	if !sameType(o) || !sameExpiry(o) {
		return "", false
	}
	if strikeEq(o[0].strike, o[1].strike) || strikeEq(o[1].strike, o[2].strike) {
		return "", false
	}
	typ := typeName(o[0].typ)
	lower, body, upper := o[0], o[1], o[2]

	wingsMatch := lower.side == upper.side && body.side != lower.side
	if wingsMatch && qtyEq(lower.qty, upper.qty) && qtyEq(body.qty, lower.qty+upper.qty) {
		name := sideName(lower.long())
		if !utils.ApproxTol(body.strike-lower.strike, upper.strike-body.strike, utils.DefaultRelTol, StrikeEpsilon) {
			return fmt.Sprintf("%s Broken Wing %s Butterfly", name, typ), true
		}
		return fmt.Sprintf("%s %s Butterfly", name, typ), true
	}

	hasLong, hasShort := false, false
	for _, l := range o {
		if l.long() {
			hasLong = true
		} else {
			hasShort = true
		}
	}
	if hasLong && hasShort {
		return typ + " Ratio Spread", true
	}
	return "", false
}

// fourLegIron put-спред снизу и call-спред сверху: iron condor / iron butterfly
func fourLegIron(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 4 || !sameExpiry(s.options) {
		return "", false
	}
	var puts, calls []leg
	for _, l := range s.options {
		if l.typ == models.OptionPut {
			puts = append(puts, l)
		} else {
			calls = append(calls, l)
		}
	}
	if len(puts) != 2 || len(calls) != 2 {
		return "", false
	}
	// puts/calls уже по возрастанию страйка
	outerPut, innerPut := puts[0], puts[1]
	innerCall, outerCall := calls[0], calls[1]

	if strikeEq(outerPut.strike, innerPut.strike) || strikeEq(innerCall.strike, outerCall.strike) {
		return "", false
	}
	if innerPut.strike > innerCall.strike+StrikeEpsilon {
		return "", false
	}
	if innerPut.side != innerCall.side || outerPut.side != outerCall.side || innerPut.side == outerPut.side {
		return "", false
	}
	q := innerPut.qty
	if !qtyEq(innerCall.qty, q) || !qtyEq(outerPut.qty, q) || !qtyEq(outerCall.qty, q) {
		return "", false
	}

	name := sideName(innerPut.long())
	if strikeEq(innerPut.strike, innerCall.strike) {
		return name + " Iron Butterfly", true
	}
	return name + " Iron Condor", true
}

// fourLegCondor четыре страйка одного типа: внешние одной стороны, внутренние другой
func fourLegCondor(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 4 {
		return "", false
	}
	o := s.options
	if !sameType(o) || !sameExpiry(o) {
		return "", false
	}
	for i := 1; i < len(o); i++ {
		if strikeEq(o[i-1].strike, o[i].strike) {
			return "", false
		}
	}
	if o[0].side != o[3].side || o[1].side != o[2].side || o[0].side == o[1].side {
		return "", false
	}
	for _, l := range o[1:] {
		if !qtyEq(l.qty, o[0].qty) {
			return "", false
		}
	}
	return fmt.Sprintf("%s %s Condor", sideName(o[0].long()), typeName(o[0].typ)), true
}

// boxSpread бычий колл-спред + медвежий пут-спред на тех же двух страйках
func boxSpread(s shape) (string, bool) {
	if len(s.underlying) != 0 || len(s.options) != 4 || !sameExpiry(s.options) {
		return "", false
	}
	var lowCall, highCall, lowPut, highPut *leg
	lo, hi := s.options[0].strike, s.options[3].strike
	if strikeEq(lo, hi) {
		return "", false
	}
	for i := range s.options {
		l := &s.options[i]
		switch {
		case l.typ == models.OptionCall && strikeEq(l.strike, lo):
			lowCall = l
		case l.typ == models.OptionCall && strikeEq(l.strike, hi):
			highCall = l
		case l.typ == models.OptionPut && strikeEq(l.strike, lo):
			lowPut = l
		case l.typ == models.OptionPut && strikeEq(l.strike, hi):
			highPut = l
		}
	}
	if lowCall == nil || highCall == nil || lowPut == nil || highPut == nil {
		return "", false
	}
	q := lowCall.qty
	if !qtyEq(highCall.qty, q) || !qtyEq(lowPut.qty, q) || !qtyEq(highPut.qty, q) {
		return "", false
	}
	// long box: long low call, short high call, long high put, short low put
	long := lowCall.long() && !highCall.long() && highPut.long() && !lowPut.long()
	short := !lowCall.long() && highCall.long() && !highPut.long() && lowPut.long()
	switch {
	case long:
		return "Long Box Spread", true
	case short:
		return "Short Box Spread", true
	}
	return "", false
}

// underlyingCombo базовый актив + 1-2 опциона: covered, protective, collar
func underlyingCombo(s shape) (string, bool) {
	if len(s.underlying) != 1 || len(s.options) == 0 || len(s.options) > 2 {
		return "", false
	}
	u := s.underlying[0]

	if len(s.options) == 1 {
		o := s.options[0]
		if !covered(o.qty, u.qty) {
			return "", false
		}
		switch {
		case u.long() && o.typ == models.OptionCall && !o.long():
			return "Covered Call", true
		case !u.long() && o.typ == models.OptionPut && !o.long():
			return "Covered Put", true
		case u.long() && o.typ == models.OptionPut && o.long():
			return "Protective Put", true
		case !u.long() && o.typ == models.OptionCall && o.long():
			return "Protective Call", true
		}
		return "", false
	}

	var call, put *leg
	for i := range s.options {
		l := &s.options[i]
		if l.typ == models.OptionCall {
			call = l
		} else {
			put = l
		}
	}
	if call == nil || put == nil || !covered(call.qty, u.qty) || !covered(put.qty, u.qty) {
		return "", false
	}

	switch {
	case u.long() && put.long() && !call.long():
		return "Collar", true
	case u.long() && !put.long() && !call.long():
		if strikeEq(call.strike, put.strike) {
			return "Covered Straddle", true
		}
		return "Covered Strangle", true
	}
	return "", false
}
