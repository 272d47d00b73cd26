// Package clock provides the time source and tick scheduler shared by the
// engines. Production code uses Real; tests use Manual to advance logical time
// deterministically.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies wall-clock time, periodic jobs and delays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Every runs fn every interval until the returned stop function is
	// called. Stop is idempotent.
	Every(interval time.Duration, fn func()) (stop func())

	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the Clock backed by the time package.
type Real struct{}

var _ Clock = Real{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() { once.Do(func() { close(stopCh) }) }
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
