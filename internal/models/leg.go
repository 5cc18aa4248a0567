package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidLeg             = errors.New("invalid leg")
	ErrInvalidExitPrice       = errors.New("exit price must be a finite non-negative number")
	ErrInvalidSettlementPrice = errors.New("settlement price must be a finite positive number")
	ErrLegTerminal            = errors.New("leg is already exited or settled")
	ErrAlreadySettled         = errors.New("expiry is already settled")
	ErrUnknownExpiry          = errors.New("no leg with this expiry")
	ErrLegIndex               = errors.New("leg index out of range")
	ErrNoLegs                 = errors.New("position has no legs")
	ErrPositionClosed         = errors.New("position is closed")
)

// Side направление ноги
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign знак ноги в денежных суммах: short = +1 (получили премию), long = -1
func (s Side) Sign() float64 {
	if s == SideShort {
		return 1
	}
	return -1
}

// Valid проверяет известное направление
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// LegStateKind вид состояния ноги
type LegStateKind string

const (
	LegLive    LegStateKind = "live"
	LegExited  LegStateKind = "exited"
	LegSettled LegStateKind = "settled"
)

// LegState состояние ноги.
//
// Переходы: Live -> Exited, Live|Exited -> Settled.
// Settled терминально. Для Exited/Settled Price и At заполнены.
type LegState struct {
	Kind  LegStateKind `json:"kind"`
	Price float64      `json:"price,omitempty"`
	At    time.Time    `json:"at,omitempty"`
}

// Live состояние по умолчанию
func Live() LegState {
	return LegState{Kind: LegLive}
}

// IsLive нога торгуется и оценивается по живым котировкам
func (s LegState) IsLive() bool {
	return s.Kind == "" || s.Kind == LegLive
}

// Leg одна нога позиции
type Leg struct {
	Symbol     string     `json:"symbol"`
	Strike     float64    `json:"strike"`
	Type       OptionType `json:"type"`
	ExpiryMs   int64      `json:"expiry_ms"`
	Side       Side       `json:"side"`
	Qty        float64    `json:"qty"`
	EntryPrice float64    `json:"entry_price"`
	CreatedAt  time.Time  `json:"created_at"`
	Hidden     bool       `json:"hidden,omitempty"`
	State      LegState   `json:"state"`
}

// IsUnderlying нога на бессрочный/спот инструмент
func (l Leg) IsUnderlying() bool {
	return l.ExpiryMs == 0 || l.Type == Underlying
}

// IsOption нога на опцион
func (l Leg) IsOption() bool {
	return !l.IsUnderlying()
}

// Validate проверяет инварианты ноги
func (l Leg) Validate() error {
	if l.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidLeg)
	}
	if !l.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidLeg, l.Side)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidLeg, l.Type)
	}
	if math.IsNaN(l.Qty) || math.IsInf(l.Qty, 0) || l.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive, got %v", ErrInvalidLeg, l.Qty)
	}
	if math.IsNaN(l.EntryPrice) || math.IsInf(l.EntryPrice, 0) || l.EntryPrice < 0 {
		return fmt.Errorf("%w: entry price %v", ErrInvalidLeg, l.EntryPrice)
	}
	if l.IsOption() && !(l.Strike > 0) {
		return fmt.Errorf("%w: option strike must be positive", ErrInvalidLeg)
	}
	return nil
}

// Exit фиксирует ручное закрытие ноги (Live -> Exited)
func (l *Leg) Exit(price float64, at time.Time) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return ErrInvalidExitPrice
	}
	if !l.State.IsLive() {
		return ErrLegTerminal
	}
	l.State = LegState{Kind: LegExited, Price: price, At: at}
	return nil
}

// Settlement расчётная цена базового актива для одной экспирации
type Settlement struct {
	ExpiryMs int64     `json:"expiry_ms"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}
