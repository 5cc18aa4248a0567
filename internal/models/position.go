package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PositionKind форма хранения позиции
type PositionKind string

const (
	// PositionVertical 2 ноги (short, long) и одна чистая премия на входе
	PositionVertical PositionKind = "vertical"
	// PositionMulti произвольное число ног
	PositionMulti PositionKind = "multi"
)

// CloseSnapshot снимок на момент закрытия позиции
type CloseSnapshot struct {
	At          time.Time `json:"at"`
	IndexPrice  float64   `json:"index_price"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// Position набор ног одной конструкции
type Position struct {
	ID          string               `json:"id"`
	Kind        PositionKind         `json:"kind"`
	Legs        []Leg                `json:"legs"`
	EntryCredit float64              `json:"entry_credit"` // только vertical, на единицу qty
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Close       *CloseSnapshot       `json:"close,omitempty"`
	Favorite    bool                 `json:"favorite"`
	Note        string               `json:"note"`
	Settlements map[int64]Settlement `json:"settlements,omitempty"`
}

// NewVertical создаёт вертикальный спред: legs[0] short, legs[1] long
func NewVertical(short, long Leg, credit float64, now time.Time) (*Position, error) {
	short.Side = SideShort
	long.Side = SideLong
	p := &Position{
		ID:          uuid.NewString(),
		Kind:        PositionVertical,
		Legs:        []Leg{short, long},
		EntryCredit: credit,
		CreatedAt:   now,
		UpdatedAt:   now,
		Settlements: make(map[int64]Settlement),
	}
	p.stampLegs()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewMulti создаёт позицию из произвольного набора ног
func NewMulti(legs []Leg, now time.Time) (*Position, error) {
	p := &Position{
		ID:          uuid.NewString(),
		Kind:        PositionMulti,
		Legs:        append([]Leg(nil), legs...),
		CreatedAt:   now,
		UpdatedAt:   now,
		Settlements: make(map[int64]Settlement),
	}
	p.stampLegs()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Position) stampLegs() {
	for i := range p.Legs {
		if p.Legs[i].CreatedAt.IsZero() {
			p.Legs[i].CreatedAt = p.CreatedAt
		}
		if p.Legs[i].State.Kind == "" {
			p.Legs[i].State = Live()
		}
	}
}

// Validate проверяет инварианты позиции
func (p *Position) Validate() error {
	if len(p.Legs) == 0 {
		return ErrNoLegs
	}
	for i, leg := range p.Legs {
		if err := leg.Validate(); err != nil {
			return fmt.Errorf("leg %d: %w", i, err)
		}
	}
	if p.Kind == PositionVertical {
		if len(p.Legs) != 2 {
			return fmt.Errorf("%w: vertical needs exactly 2 legs", ErrInvalidLeg)
		}
		if math.IsNaN(p.EntryCredit) || math.IsInf(p.EntryCredit, 0) {
			return fmt.Errorf("%w: entry credit is not finite", ErrInvalidLeg)
		}
	}
	return nil
}

// IsClosed позиция закрыта пользователем
func (p *Position) IsClosed() bool {
	return p.Close != nil
}

// Settlement возвращает расчёт экспирации, если он записан
func (p *Position) Settlement(expiryMs int64) (Settlement, bool) {
	if p.Settlements == nil || expiryMs == 0 {
		return Settlement{}, false
	}
	s, ok := p.Settlements[expiryMs]
	return s, ok
}

// EffectiveState состояние ноги с учётом расчётов по экспирации.
// Расчёт имеет приоритет над ручным выходом.
func (p *Position) EffectiveState(leg Leg) LegState {
	if s, ok := p.Settlement(leg.ExpiryMs); ok && leg.IsOption() {
		return LegState{Kind: LegSettled, Price: s.Price, At: s.At}
	}
	if leg.State.Kind == "" {
		return Live()
	}
	return leg.State
}

// Settle записывает расчётную цену для экспирации
func (p *Position) Settle(expiryMs int64, price float64, at time.Time) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return ErrInvalidSettlementPrice
	}
	found := false
	for _, leg := range p.Legs {
		if leg.IsOption() && leg.ExpiryMs == expiryMs {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownExpiry
	}
	if _, ok := p.Settlement(expiryMs); ok {
		return ErrAlreadySettled
	}
	if p.Settlements == nil {
		p.Settlements = make(map[int64]Settlement)
	}
	p.Settlements[expiryMs] = Settlement{ExpiryMs: expiryMs, Price: price, At: at}
	p.UpdatedAt = at
	return nil
}

// ExitLeg фиксирует выход из ноги по индексу
func (p *Position) ExitLeg(index int, price float64, at time.Time) error {
	if index < 0 || index >= len(p.Legs) {
		return ErrLegIndex
	}
	if p.EffectiveState(p.Legs[index]).Kind == LegSettled {
		return ErrLegTerminal
	}
	if err := p.Legs[index].Exit(price, at); err != nil {
		return err
	}
	p.UpdatedAt = at
	return nil
}

// Expiries уникальные экспирации опционных ног по возрастанию
func (p *Position) Expiries() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, leg := range p.Legs {
		if !leg.IsOption() {
			continue
		}
		if _, ok := seen[leg.ExpiryMs]; ok {
			continue
		}
		seen[leg.ExpiryMs] = struct{}{}
		out = append(out, leg.ExpiryMs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PendingExpiries экспирации, которые уже прошли, но ещё не рассчитаны
func (p *Position) PendingExpiries(now time.Time) []int64 {
	var out []int64
	for _, e := range p.Expiries() {
		if e > now.UnixMilli() {
			continue
		}
		if _, ok := p.Settlement(e); !ok {
			out = append(out, e)
		}
	}
	return out
}

// Symbols уникальные символы ног в порядке появления
func (p *Position) Symbols() []string {
	seen := make(map[string]struct{}, len(p.Legs))
	out := make([]string, 0, len(p.Legs))
	for _, leg := range p.Legs {
		if _, ok := seen[leg.Symbol]; ok {
			continue
		}
		seen[leg.Symbol] = struct{}{}
		out = append(out, leg.Symbol)
	}
	return out
}
