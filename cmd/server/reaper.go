package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionReaper interface {
	ReapStaleSessions(ctx context.Context, maxAge time.Duration) (int, error)
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reapTicker

// startSessionReaper periodically completes abandoned sessions whose
// publisher never came back. The returned func stops the worker and
// blocks until it exits.
func startSessionReaper(ctx context.Context, logger *slog.Logger, reaper sessionReaper, interval, maxAge time.Duration) func() {
	return startSessionReaperWithTicker(ctx, logger, reaper, interval, maxAge, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionReaperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reaper sessionReaper,
	interval, maxAge time.Duration,
	newTicker tickerFactory,
) func() {
	if reaper == nil || interval <= 0 || maxAge <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reaped, err := reaper.ReapStaleSessions(workerCtx, maxAge)
				if err != nil {
					if logger != nil && workerCtx.Err() == nil {
						logger.Error("failed to reap stale sessions", "error", err)
					}
					continue
				}
				if reaped > 0 && logger != nil {
					logger.Info("reaped stale sessions", "count", reaped)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
