package utils

// validator.go - валидация пользовательского ввода
//
// Назначение:
// Проверка данных на границе системы (API, создание позиций) до того,
// как они попадут в запись Position/Leg.
//
// Функции:
// - ValidateSymbol: формат символа Bybit (BTCUSDT, BTC-27DEC24-60000-C)
// - ValidatePositivePrice: цена конечна и > 0 (цена расчёта)
// - ValidateNonNegativePrice: цена конечна и >= 0 (вход, выход)
// - ValidateQuantity: количество конечно и > 0
// - ValidateSide: long / short
//
// Возвращает error с описанием проблемы или nil

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidSide     = errors.New("invalid side")
)

// Символы Bybit: линейные (BTCUSDT, BTCPERP) и опционные (BTC-27DEC24-60000-C, ETH-3JAN25-3500-P-USDT).
// Страйк может быть дробным: XRP-27DEC24-0.5-C
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}(-[A-Z0-9]{1,12}(\.[0-9]{1,8})?){0,4}$`)

// ValidateSymbol проверяет формат символа
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if len(symbol) > 40 {
		return fmt.Errorf("%w: too long", ErrInvalidSymbol)
	}
	if !symbolRegex.MatchString(strings.ToUpper(symbol)) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// IsValidSymbol краткая форма ValidateSymbol
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// ValidatePositivePrice проверяет, что цена конечна и строго положительна
func ValidatePositivePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidPrice)
	}
	if price <= 0 {
		return fmt.Errorf("%w: must be positive, got %v", ErrInvalidPrice, price)
	}
	return nil
}

// ValidateNonNegativePrice проверяет, что цена конечна и не отрицательна
func ValidateNonNegativePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidPrice)
	}
	if price < 0 {
		return fmt.Errorf("%w: must not be negative, got %v", ErrInvalidPrice, price)
	}
	return nil
}

// ValidateQuantity проверяет количество контрактов
func ValidateQuantity(qty float64) error {
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return fmt.Errorf("%w: must be a positive number, got %v", ErrInvalidQuantity, qty)
	}
	return nil
}

// ValidateSide проверяет направление ноги
func ValidateSide(side string) error {
	switch strings.ToLower(side) {
	case "long", "short":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

// ============================================================
// Накопитель ошибок
// ============================================================

// ValidationError ошибка одного поля
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors список ошибок валидации
type ValidationErrors []ValidationError

// Add добавляет ошибку поля
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку, если она не nil
func (e *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		e.Add(field, err.Error())
	}
}

// HasErrors есть ли ошибки
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil если ошибок нет
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
