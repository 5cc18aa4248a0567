package marketdata

import (
	"sync"
	"time"
)

// Параметры переподключения по умолчанию
const (
	DefaultBackoffFloor   = 1 * time.Second
	DefaultBackoffFactor  = 1.7
	DefaultBackoffCeiling = 15 * time.Second
)

// Backoff экспоненциальная задержка переподключения.
//
// Next() возвращает текущую задержку и умножает её на Factor,
// не превышая Ceiling. Reset() возвращает к Floor после успешного открытия.
// Последовательность задержек не убывает до сброса.
type Backoff struct {
	Floor   time.Duration
	Factor  float64
	Ceiling time.Duration

	mu    sync.Mutex
	delay time.Duration
}

// NewBackoff создаёт Backoff, некорректные параметры заменяются значениями по умолчанию
func NewBackoff(floor time.Duration, factor float64, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{Floor: floor, Factor: factor, Ceiling: ceiling, delay: floor}
}

// DefaultBackoff 1s, x1.7, максимум 15s
func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultBackoffFloor, DefaultBackoffFactor, DefaultBackoffCeiling)
}

// Next возвращает задержку перед следующей попыткой
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delay
	next := time.Duration(float64(b.delay) * b.Factor)
	if next > b.Ceiling {
		next = b.Ceiling
	}
	b.delay = next
	return d
}

// Peek возвращает задержку, которую вернёт Next, без изменения состояния
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Reset сбрасывает задержку к Floor
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.delay = b.Floor
	b.mu.Unlock()
}
