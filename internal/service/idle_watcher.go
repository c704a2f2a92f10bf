package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/sirupsen/logrus"
)

// MinIdleCheckInterval is the shortest delay between two idle checks.
const MinIdleCheckInterval = time.Second

// IdleWatcher logs the session out after the configured idle budget passes
// without user activity. Checks are scheduled for the exact moment the budget
// would run out rather than polled.
type IdleWatcher struct {
	mu       sync.Mutex
	watching bool
	budget   time.Duration
	timer    clockwork.Timer
	unsub    func()
	// gen invalidates timer callbacks scheduled before the last Stop.
	gen uint64

	store   *SessionStore
	bus     *ActivityBus
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *logrus.Logger
}

func NewIdleWatcher(
	store *SessionStore,
	bus *ActivityBus,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *IdleWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IdleWatcher{
		store:   store,
		bus:     bus,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Start begins watching when the runtime idle timeout is positive. While
// watching, a changed timeout restarts the watch with the new budget and a
// timeout of zero or less stops it.
func (w *IdleWatcher) Start() {
	budget := w.store.State().Config.IdleTimeout

	w.mu.Lock()
	defer w.mu.Unlock()

	if budget <= 0 {
		w.stopLocked()
		w.logger.Debug("Idle tracking disabled")
		return
	}
	if w.watching {
		if w.budget == budget {
			return
		}
		w.stopLocked()
	}

	w.watching = true
	w.budget = budget
	w.gen++
	w.unsub = w.bus.Subscribe(func(ActivityEvent) {
		w.store.SetActivityNow()
	}, IdleActivityKinds...)

	w.scheduleLocked(w.remainingLocked())
	w.logger.WithField("budget", budget).Debug("Idle watch started")
}

// Budget returns the idle budget in force, or zero when not watching.
func (w *IdleWatcher) Budget() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return 0
	}
	return w.budget
}

// Stop cancels the pending check and removes the activity listeners.
// Safe to call at any time.
func (w *IdleWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Watching reports whether the watcher is active.
func (w *IdleWatcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

func (w *IdleWatcher) stopLocked() {
	if !w.watching {
		return
	}
	w.watching = false
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
	w.logger.Debug("Idle watch stopped")
}

// remainingLocked returns the time left in the budget, floored at the
// minimum check interval.
func (w *IdleWatcher) remainingLocked() time.Duration {
	elapsed := w.clock.Since(w.store.State().LastActivityAt)
	remaining := w.budget - elapsed
	if remaining < MinIdleCheckInterval {
		remaining = MinIdleCheckInterval
	}
	return remaining
}

func (w *IdleWatcher) scheduleLocked(d time.Duration) {
	gen := w.gen
	w.timer = w.clock.AfterFunc(d, func() { w.check(gen) })
}

func (w *IdleWatcher) check(gen uint64) {
	w.mu.Lock()
	if !w.watching || gen != w.gen {
		w.mu.Unlock()
		return
	}

	elapsed := w.clock.Since(w.store.State().LastActivityAt)
	if elapsed < w.budget {
		remaining := w.budget - elapsed
		if remaining < MinIdleCheckInterval {
			remaining = MinIdleCheckInterval
		}
		w.scheduleLocked(remaining)
		w.mu.Unlock()
		return
	}

	w.stopLocked()
	w.mu.Unlock()

	w.logger.WithField("idle", elapsed).Info("Idle timeout reached, ending session")

	changed, err := w.store.Logout(context.Background())
	if err != nil {
		w.logger.WithError(err).Warn("Logout after idle timeout was incomplete")
	}
	if changed {
		w.metrics.RecordLogout(observability.LogoutIdle)
	}
}
