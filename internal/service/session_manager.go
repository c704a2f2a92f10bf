package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/qcom/dirsession/internal/middleware"
	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/qcom/dirsession/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionManagerDeps carries everything a SessionManager needs.
type SessionManagerDeps struct {
	BaseURL        string
	Repo           repository.TokenRepository
	Transport      http.RoundTripper
	Timeout        time.Duration
	RefreshTimeout time.Duration
	Clock          clockwork.Clock
	Metrics        *observability.Metrics
	Logger         *logrus.Logger
}

// SessionManager owns one client session from process start to shutdown.
type SessionManager struct {
	store     *SessionStore
	bus       *ActivityBus
	auth      *AuthClient
	api       *AuthClient
	client    *http.Client
	refresher *RefreshCoordinator
	idle      *IdleWatcher
	bootstrap *BootstrapValidator
	renewal   *RenewalScheduler
	metrics   *observability.Metrics
	logger    *logrus.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	unsubStore  func()
	unsubWatch  func()
	cancelWatch context.CancelFunc
}

func NewSessionManager(deps SessionManagerDeps) *SessionManager {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base := deps.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	store := NewSessionStore(deps.Repo, clock, logger)
	bus := NewActivityBus()

	// Login and refresh go out without the pipeline; a 401 there is final.
	auth := NewAuthClient(deps.BaseURL, &http.Client{Transport: base, Timeout: deps.Timeout}, logger)
	refresher := NewRefreshCoordinator(store, auth, deps.RefreshTimeout, deps.Metrics, logger)

	client := &http.Client{
		Transport: middleware.NewAuthTransport(base, store, refresher, deps.Metrics, logger),
		Timeout:   deps.Timeout,
	}
	api := NewAuthClient(deps.BaseURL, client, logger)

	return &SessionManager{
		store:     store,
		bus:       bus,
		auth:      auth,
		api:       api,
		client:    client,
		refresher: refresher,
		idle:      NewIdleWatcher(store, bus, clock, deps.Metrics, logger),
		bootstrap: NewBootstrapValidator(store, api, deps.Metrics, logger),
		renewal:   NewRenewalScheduler(store, refresher, clock, logger),
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Start hydrates the session, refreshes the runtime configuration and
// validates persisted tokens. It returns whether the session is authenticated.
func (m *SessionManager) Start(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, fmt.Errorf("session manager is closed")
	}
	if m.started {
		m.mu.Unlock()
		return m.store.State().IsAuthenticated(), nil
	}
	m.started = true
	m.unsubStore = m.store.Subscribe(m.follow)
	m.mu.Unlock()

	if err := m.store.Hydrate(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to hydrate session, starting empty")
	}

	if err := m.RefreshRuntimeConfig(ctx); err != nil {
		m.logger.WithError(err).Warn("Runtime auth config unavailable, keeping cached values")
	}

	ok, err := m.bootstrap.Validate(ctx)
	if err != nil && err != ErrSuperseded {
		return false, err
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancelWatch = cancel
	m.unsubWatch = m.bootstrap.Watch(watchCtx, m.bus)
	m.mu.Unlock()

	return ok, nil
}

// RefreshRuntimeConfig fetches the server's session timing and caches it.
func (m *SessionManager) RefreshRuntimeConfig(ctx context.Context) error {
	cfg, err := m.auth.RuntimeConfig(ctx)
	if err != nil {
		return err
	}
	return m.store.SetRuntimeConfig(ctx, *cfg)
}

// follow keeps the idle watcher and the renewal scheduler running exactly
// while an access token is held. The idle watcher picks up a changed idle
// timeout on the next state change.
func (m *SessionManager) follow(sess models.Session) {
	if sess.AccessToken == "" {
		m.idle.Stop()
		m.renewal.Stop()
		return
	}
	m.idle.Start()
	m.renewal.Start()
}

// Login exchanges credentials for tokens and then loads the identity. The
// session holds tokens but no user between the two calls.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*models.UserSummary, error) {
	pair, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}

	if err := m.store.StartSession(ctx, pair.Access, pair.Refresh); err != nil {
		m.logger.WithError(err).Warn("Logged in without persisting tokens")
	}

	user, err := m.api.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	m.store.SetUser(user)
	m.logger.WithField("username", user.Username).Info("Logged in")
	return user, nil
}

// Logout ends the session on the user's request.
func (m *SessionManager) Logout(ctx context.Context) error {
	changed, err := m.store.Logout(ctx)
	if changed {
		m.metrics.RecordLogout(observability.LogoutUser)
	}
	return err
}

// HTTPClient returns a client whose requests carry the bearer token and are
// retried once after a refresh when rejected.
func (m *SessionManager) HTTPClient() *http.Client { return m.client }

// API returns the authenticated REST client.
func (m *SessionManager) API() *AuthClient { return m.api }

func (m *SessionManager) Store() *SessionStore { return m.store }

func (m *SessionManager) Bus() *ActivityBus { return m.bus }

func (m *SessionManager) Bootstrap() *BootstrapValidator { return m.bootstrap }

func (m *SessionManager) Refresher() *RefreshCoordinator { return m.refresher }

// Close stops every timer and listener and waits for in-flight
// revalidations to return. The persisted session is kept.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubStore, unsubWatch, cancel := m.unsubStore, m.unsubWatch, m.cancelWatch
	m.unsubStore, m.unsubWatch, m.cancelWatch = nil, nil, nil
	m.mu.Unlock()

	if unsubWatch != nil {
		unsubWatch()
	}
	m.bootstrap.Stop()
	if cancel != nil {
		cancel()
	}
	if unsubStore != nil {
		unsubStore()
	}
	m.idle.Stop()
	m.renewal.Stop()
	return nil
}
