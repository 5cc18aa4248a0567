package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionType тип контракта ноги
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
	// Underlying бессрочный/спот инструмент базового актива
	Underlying OptionType = "underlying"
)

// Valid проверяет известный тип
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut || t == Underlying
}

// Instrument описание контракта из списка инструментов биржи.
// Неизменяем после загрузки, обновляется по таймеру.
type Instrument struct {
	Symbol     string     `json:"symbol"`      // BTC-27DEC24-60000-C
	BaseCoin   string     `json:"base_coin"`   // BTC
	SettleCoin string     `json:"settle_coin"` // USDC
	Type       OptionType `json:"type"`
	Strike     float64    `json:"strike"`
	ExpiryMs   int64      `json:"expiry_ms"` // 0 для perpetual/spot
	Status     string     `json:"status"`    // Trading, Delivering, Closed
}

// IsUnderlying инструмент без экспирации считается базовым активом
func (i Instrument) IsUnderlying() bool {
	return i.ExpiryMs == 0 || i.Type == Underlying
}

// Bybit поставляет опционы в 08:00 UTC дня экспирации
const deliveryHourUTC = 8

var monthCodes = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseOptionSymbol разбирает символ опциона Bybit.
//
// Формат: BASE-DMMMYY-STRIKE-C|P[-SETTLE]
//
// Пример:
//
//	ParseOptionSymbol("BTC-27DEC24-60000-C")
//	// Instrument{BaseCoin: "BTC", Strike: 60000, Type: call, ExpiryMs: 2024-12-27 08:00 UTC}
func ParseOptionSymbol(symbol string) (Instrument, error) {
	parts := strings.Split(strings.ToUpper(symbol), "-")
	if len(parts) < 4 || len(parts) > 5 {
		return Instrument{}, fmt.Errorf("not an option symbol: %q", symbol)
	}

	expiry, err := parseExpiryCode(parts[1])
	if err != nil {
		return Instrument{}, fmt.Errorf("symbol %q: %w", symbol, err)
	}

	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return Instrument{}, fmt.Errorf("symbol %q: invalid strike %q", symbol, parts[2])
	}

	var typ OptionType
	switch parts[3] {
	case "C":
		typ = OptionCall
	case "P":
		typ = OptionPut
	default:
		return Instrument{}, fmt.Errorf("symbol %q: invalid option type %q", symbol, parts[3])
	}

	inst := Instrument{
		Symbol:   symbol,
		BaseCoin: parts[0],
		Type:     typ,
		Strike:   strike,
		ExpiryMs: expiry.UnixMilli(),
	}
	if len(parts) == 5 {
		inst.SettleCoin = parts[4]
	}
	return inst, nil
}

// parseExpiryCode разбирает дату вида 27DEC24 / 3JAN25
func parseExpiryCode(code string) (time.Time, error) {
	if len(code) < 6 || len(code) > 7 {
		return time.Time{}, fmt.Errorf("invalid expiry code %q", code)
	}
	dayLen := len(code) - 5
	day, err := strconv.Atoi(code[:dayLen])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid expiry day in %q", code)
	}
	month, ok := monthCodes[code[dayLen:dayLen+3]]
	if !ok {
		return time.Time{}, fmt.Errorf("invalid expiry month in %q", code)
	}
	year, err := strconv.Atoi(code[dayLen+3:])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry year in %q", code)
	}
	return time.Date(2000+year, month, day, deliveryHourUTC, 0, 0, 0, time.UTC), nil
}
