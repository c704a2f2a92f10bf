package service

import (
	"context"
	"errors"
	"sync"

	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/sirupsen/logrus"
)

// Bootstrap outcomes recorded in metrics.
const (
	BootstrapAuthenticated = "authenticated"
	BootstrapAnonymous     = "anonymous"
	BootstrapSuperseded    = "superseded"
)

// IdentityProber fetches the identity behind the current access token.
type IdentityProber interface {
	Me(ctx context.Context) (*models.UserSummary, error)
}

// BootstrapValidator reconciles persisted tokens with the server-confirmed
// identity. A newer run supersedes an older one: the older run's context is
// cancelled and whatever it returns afterwards is discarded.
type BootstrapValidator struct {
	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	stopped bool
	// inflight tracks revalidations started by Watch.
	inflight sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	store   *SessionStore
	api     IdentityProber
	metrics *observability.Metrics
	logger  *logrus.Logger
}

func NewBootstrapValidator(
	store *SessionStore,
	api IdentityProber,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *BootstrapValidator {
	return &BootstrapValidator{
		ready:   make(chan struct{}),
		store:   store,
		api:     api,
		metrics: metrics,
		logger:  logger,
	}
}

// Ready is closed once the first validation has completed, whatever its
// outcome. Hosts wait on it before deciding to show the login entry point.
func (v *BootstrapValidator) Ready() <-chan struct{} {
	return v.ready
}

// Validate reports whether the persisted session is still valid. Any failure
// to confirm the identity logs the session out. A run superseded by a later
// call returns ErrSuperseded and leaves the session untouched, as does a run
// whose own context is cancelled, which returns the context's error.
func (v *BootstrapValidator) Validate(ctx context.Context) (bool, error) {
	ctx, gen := v.begin(ctx)

	ok, err := v.run(ctx, gen)
	if err == ErrSuperseded {
		v.metrics.RecordBootstrap(BootstrapSuperseded)
		return false, err
	}

	v.finish(gen)
	if ok {
		v.metrics.RecordBootstrap(BootstrapAuthenticated)
	} else {
		v.metrics.RecordBootstrap(BootstrapAnonymous)
	}
	v.readyOnce.Do(func() { close(v.ready) })
	return ok, err
}

func (v *BootstrapValidator) run(ctx context.Context, gen uint64) (bool, error) {
	access, refresh, err := v.store.Persisted(ctx)
	if err != nil {
		v.logger.WithError(err).Warn("Failed to read persisted tokens")
	}

	if access == "" || refresh == "" {
		if !v.alive(gen) {
			return false, ErrSuperseded
		}
		return false, nil
	}

	if !v.commit(gen, func() {
		if err := v.store.SetTokens(ctx, access, refresh); err != nil {
			v.logger.WithError(err).Debug("Tokens re-persisted with errors")
		}
	}) {
		return false, ErrSuperseded
	}

	user, err := v.api.Me(ctx)
	if err != nil && ctx.Err() != nil {
		// aborted, not rejected by the server
		if !v.alive(gen) {
			return false, ErrSuperseded
		}
		return false, ctx.Err()
	}
	if err != nil {
		applied := v.commit(gen, func() {
			v.logger.WithError(err).Info("Session validation failed, ending session")
			changed, logoutErr := v.store.Logout(context.WithoutCancel(ctx))
			if logoutErr != nil {
				v.logger.WithError(logoutErr).Warn("Logout after failed validation was incomplete")
			}
			if changed {
				v.metrics.RecordLogout(observability.LogoutBootstrap)
			}
		})
		if !applied {
			return false, ErrSuperseded
		}
		return false, nil
	}

	if !v.commit(gen, func() { v.store.SetUser(user) }) {
		return false, ErrSuperseded
	}

	v.logger.WithField("username", user.Username).Debug("Session validated")
	return true, nil
}

func (v *BootstrapValidator) begin(ctx context.Context) (context.Context, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cancel != nil {
		v.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	if v.stopped {
		cancel()
	}
	v.gen++
	v.cancel = cancel
	return ctx, v.gen
}

func (v *BootstrapValidator) finish(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if gen == v.gen && v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}

func (v *BootstrapValidator) alive(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return gen == v.gen && !v.stopped
}

// commit runs fn only if run gen is still the latest, holding the lock so a
// newer run cannot start between the check and the state change.
func (v *BootstrapValidator) commit(gen uint64, fn func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if gen != v.gen || v.stopped {
		return false
	}
	fn()
	return true
}

// Watch revalidates on focus and when the application becomes visible.
// The returned function stops watching.
func (v *BootstrapValidator) Watch(ctx context.Context, bus *ActivityBus) func() {
	return bus.Subscribe(func(ev ActivityEvent) {
		if ev.Kind == ActivityVisibility && !ev.Visible {
			return
		}

		v.mu.Lock()
		if v.stopped {
			v.mu.Unlock()
			return
		}
		v.inflight.Add(1)
		v.mu.Unlock()

		go func() {
			defer v.inflight.Done()
			if _, err := v.Validate(ctx); err != nil && err != ErrSuperseded && !errors.Is(err, context.Canceled) {
				v.logger.WithError(err).Warn("Revalidation failed")
			}
		}()
	}, ActivityFocus, ActivityVisibility)
}

// Stop cancels the running validation and waits for revalidations started
// by Watch. Whatever they return afterwards is discarded, so teardown never
// touches the session. Later runs change nothing.
func (v *BootstrapValidator) Stop() {
	v.mu.Lock()
	v.stopped = true
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.mu.Unlock()

	v.inflight.Wait()
}
