// Package ratelimit ограничивает частоту REST-запросов по категориям эндпоинтов.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Лимиты публичного REST Bybit V5 (запросов в секунду на IP)
const (
	DefaultRate  = 10
	DefaultBurst = 20
)

// MultiLimiter набор token bucket лимитеров по категориям запросов.
//
// Категория без лимита ограничивается fallback-лимитером,
// чтобы новые эндпоинты не обходили общий бюджет.
//
//	ml := ratelimit.NewMultiLimiter(10, 20)
//	ml.Add("instruments", 2, 4)
//	err := ml.Wait(ctx, "instruments")
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter создаёт лимитер с общим лимитом rate/burst
func NewMultiLimiter(r float64, burst int) *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
		fallback: newLimiter(r, burst),
	}
}

func newLimiter(r float64, burst int) *rate.Limiter {
	if r <= 0 {
		r = DefaultRate
	}
	if burst <= 0 {
		burst = int(r * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// Add задаёт отдельный лимит для категории
func (ml *MultiLimiter) Add(category string, r float64, burst int) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[category] = newLimiter(r, burst)
}

// Get лимитер категории (fallback, если категория не задана)
func (ml *MultiLimiter) Get(category string) *rate.Limiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	if l, ok := ml.limiters[category]; ok {
		return l
	}
	return ml.fallback
}

// Wait блокируется до получения токена категории или отмены ctx
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	return ml.Get(category).Wait(ctx)
}

// Allow неблокирующая проверка
func (ml *MultiLimiter) Allow(category string) bool {
	return ml.Get(category).Allow()
}
