package marketdata

import (
	"context"
	"time"
)

// DefaultCaptureTimeout ожидание свежего тика перед снимком закрытия
const DefaultCaptureTimeout = 500 * time.Millisecond

// CaptureLatest ждёт следующий тик символа не дольше timeout.
// Подписка снимается в любом исходе. false означает таймаут или отмену ctx.
func CaptureLatest(ctx context.Context, sub Subscriber, class ChannelClass, symbol string, timeout time.Duration) (Tick, bool) {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}

	ticks := make(chan Tick, 1)
	unsubscribe := sub.Subscribe(class, symbol, func(t Tick) {
		select {
		case ticks <- t:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case t := <-ticks:
		return t, true
	case <-timer.C:
		return Tick{}, false
	case <-ctx.Done():
		return Tick{}, false
	}
}
