package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/logging"
)

// Watchdog runs an action when it has not been kicked for a full timeout.
// After firing it re-arms itself, so continued silence fires again one
// timeout later.
type Watchdog struct {
	timeout time.Duration
	action  func(ctx context.Context) error
	log     *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewWatchdog creates a stopped watchdog.
func NewWatchdog(timeout time.Duration, action func(ctx context.Context) error, log *slog.Logger) *Watchdog {
	return &Watchdog{timeout: timeout, action: action, log: logging.OrDiscard(log)}
}

// Trigger cancels the pending expiry and schedules a fresh one.
func (w *Watchdog) Trigger() {
	w.mu.Lock()
	w.armLocked()
	w.mu.Unlock()
}

// Cancel stops the timer without running the action.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Expire runs the action now, on its own goroutine, and re-arms the timer.
func (w *Watchdog) Expire() {
	w.mu.Lock()
	w.armLocked()
	w.mu.Unlock()
	go w.run()
}

// armLocked must be called with mu held. The generation check in fire
// discards a timer that already started firing when it was replaced.
func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.armLocked()
	w.mu.Unlock()

	w.log.Info("watchdog expired", "timeout", w.timeout)
	w.run()
}

func (w *Watchdog) run() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog action panicked", "panic", r)
		}
	}()
	if err := w.action(context.Background()); err != nil {
		w.log.Error("watchdog action failed", "error", err)
	}
}
