package ratelimit

import (
	"context"
	"time"
)

// Pacer enforces a fixed pause between consecutive pages of one walk.
// A Pacer is not safe for concurrent use; create one per walk.
type Pacer struct {
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	waits    int
}

// NewPacer creates a Pacer pausing interval between pages.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval, sleep: sleepContext}
}

// WithSleep replaces the sleep function, for tests.
func (p *Pacer) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Pacer {
	p.sleep = fn
	return p
}

// Pause blocks for the configured interval or until ctx is done.
func (p *Pacer) Pause(ctx context.Context) error {
	p.waits++
	if p.interval <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, p.interval)
}

// Waits returns how many pauses were taken.
func (p *Pacer) Waits() int {
	return p.waits
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
