package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer drives the daily balance verification sweep. It fires once per day
// at the configured UTC hour.
type Timer struct {
	service *Service
	hour    int
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates a verification timer that fires at the given UTC hour.
func NewTimer(service *Service, hour int, logger *slog.Logger) *Timer {
	return &Timer{
		service: service,
		hour:    hour,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the daily verification loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	for {
		wait := time.Until(t.nextRun(time.Now().UTC()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), t.hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in daily verification timer", "panic", fmt.Sprint(r))
		}
	}()

	report := <-t.service.PerformDailyBalanceVerification(ctx, time.Now().UTC())
	if report.Err != "" {
		t.logger.Warn("daily balance verification failed", "error", report.Err)
	}
}
