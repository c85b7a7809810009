/*
scheduler.go - Day rollover scheduler

PURPOSE:
  Periodically asks every controller to roll over. A controller whose
  state belongs to an earlier local day auto-closes its open session and
  resets to NoSession; controllers already on today's date are untouched,
  so the check interval only bounds how late after midnight the reset
  happens.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Stop closes the stop channel and waits for the goroutine

USAGE:
  scheduler := NewRolloverScheduler(registry)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RolloverScheduler triggers Registry.RolloverAll on a fixed interval.
type RolloverScheduler struct {
	Registry      *Registry
	Clock         Clock
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRolloverScheduler(registry *Registry) *RolloverScheduler {
	return &RolloverScheduler{
		Registry:      registry,
		Clock:         registry.Deps.Clock,
		CheckInterval: time.Minute,
		Enabled:       true,
		Logger:        registry.Deps.Logger,
	}
}

func (rs *RolloverScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger().Info("rollover scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.logger().Info("rollover scheduler started", zap.Duration("interval", rs.CheckInterval))
}

func (rs *RolloverScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger().Info("rollover scheduler stopped")
}

func (rs *RolloverScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.RunNow()
	for {
		select {
		case <-ticker.C:
			rs.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one rollover pass.
func (rs *RolloverScheduler) RunNow() {
	now := time.Now()
	if rs.Clock != nil {
		now = rs.Clock.Now()
	}
	reset, err := rs.Registry.RolloverAll(context.Background(), now)
	if err != nil {
		rs.logger().Error("rollover pass had failures", zap.Int("reset", reset), zap.Error(err))
		return
	}
	if reset > 0 {
		rs.logger().Info("rollover pass completed", zap.Int("reset", reset))
	} else {
		rs.logger().Debug("rollover pass completed, nothing to reset")
	}
}

func (rs *RolloverScheduler) logger() *zap.Logger {
	if rs.Logger != nil {
		return rs.Logger
	}
	return zap.NewNop()
}
