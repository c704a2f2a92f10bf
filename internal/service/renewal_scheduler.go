package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/qcom/dirsession/internal/models"
	"github.com/sirupsen/logrus"
)

// Refresher is satisfied by RefreshCoordinator.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RenewalScheduler refreshes the access token RenewAt before it expires, so
// that most requests never see a 401. Tokens without a readable expiry are
// left to the 401 path of the request pipeline.
type RenewalScheduler struct {
	mu      sync.Mutex
	running bool
	token   string
	timer   clockwork.Timer
	gen     uint64
	unsub   func()

	store     *SessionStore
	refresher Refresher
	clock     clockwork.Clock
	logger    *logrus.Logger
}

func NewRenewalScheduler(store *SessionStore, refresher Refresher, clock clockwork.Clock, logger *logrus.Logger) *RenewalScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RenewalScheduler{
		store:     store,
		refresher: refresher,
		clock:     clock,
		logger:    logger,
	}
}

// Start follows the session and keeps one renewal timer armed for the
// current access token.
func (r *RenewalScheduler) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	unsub := r.store.Subscribe(r.onChange)

	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	r.onChange(r.store.State())
}

func (r *RenewalScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	r.cancelLocked()
	r.token = ""
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// Scheduled reports whether a renewal timer is armed.
func (r *RenewalScheduler) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *RenewalScheduler) onChange(sess models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || sess.AccessToken == r.token {
		return
	}
	r.token = sess.AccessToken
	r.cancelLocked()

	renewAt := sess.Config.RenewAt
	if sess.AccessToken == "" || sess.RefreshToken == "" || renewAt <= 0 || sess.AccessExpiresAt.IsZero() {
		return
	}

	delay := renewDelay(sess.AccessExpiresAt, r.clock.Now(), renewAt)

	gen := r.gen
	r.timer = r.clock.AfterFunc(delay, func() { r.fire(gen) })
	r.logger.WithField("in", delay).Debug("Token renewal scheduled")
}

func (r *RenewalScheduler) cancelLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *RenewalScheduler) fire(gen uint64) {
	r.mu.Lock()
	if !r.running || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	if _, err := r.refresher.Refresh(context.Background()); err != nil {
		r.logger.WithError(err).Warn("Proactive token renewal failed")
	}
}

// renewDelay is the wait until renewAt before expiry, floored at one check
// interval.
func renewDelay(expiresAt, now time.Time, renewAt time.Duration) time.Duration {
	d := expiresAt.Add(-renewAt).Sub(now)
	if d < MinIdleCheckInterval {
		return MinIdleCheckInterval
	}
	return d
}
