package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionStore owns the client session. It is the only writer of the token
// repository. Mutations are atomic to observers and subscribers are notified
// synchronously, in mutation order, with a snapshot of the new state.
//
// Listeners must not mutate the store from inside the callback.
type SessionStore struct {
	mu      sync.RWMutex
	session models.Session

	notifyMu  sync.Mutex
	listeners map[uint64]func(models.Session)
	nextID    uint64

	repo   repository.TokenRepository
	clock  clockwork.Clock
	logger *logrus.Logger
}

func NewSessionStore(repo repository.TokenRepository, clock clockwork.Clock, logger *logrus.Logger) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStore{
		session:   models.Session{LastActivityAt: clock.Now()},
		listeners: make(map[uint64]func(models.Session)),
		repo:      repo,
		clock:     clock,
		logger:    logger,
	}
}

// State returns a snapshot of the session.
func (s *SessionStore) State() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// AccessToken returns the current access token or "".
func (s *SessionStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

// Subscribe registers fn for every future state change and returns a function
// that removes it.
func (s *SessionStore) Subscribe(fn func(models.Session)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Hydrate loads persisted tokens and runtime configuration into memory.
func (s *SessionStore) Hydrate(ctx context.Context) error {
	access, err := s.readKey(ctx, repository.KeyAccess)
	if err != nil {
		return err
	}
	refresh, err := s.readKey(ctx, repository.KeyRefresh)
	if err != nil {
		return err
	}
	cfg, err := s.readConfig(ctx)
	if err != nil {
		return err
	}

	s.mutate(func(sess *models.Session) {
		sess.AccessToken = access
		sess.RefreshToken = refresh
		sess.AccessExpiresAt = decodeClaims(access).expiresAt
		sess.Config = cfg
		if access == "" {
			sess.User = nil
		}
	})

	s.logger.WithFields(logrus.Fields{
		"has_access":  access != "",
		"has_refresh": refresh != "",
	}).Debug("Session hydrated")
	return nil
}

// Persisted returns the access and refresh tokens held by the repository.
func (s *SessionStore) Persisted(ctx context.Context) (access, refresh string, err error) {
	if access, err = s.readKey(ctx, repository.KeyAccess); err != nil {
		return "", "", err
	}
	if refresh, err = s.readKey(ctx, repository.KeyRefresh); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SetTokens stores a new access token and, when refresh is non-empty, a new
// refresh token. An empty refresh keeps the current one, since refresh
// responses omit it when rotation is disabled. A cached user whose ID differs
// from the new token's subject is dropped. The in-memory state is applied
// even when persisting fails.
func (s *SessionStore) SetTokens(ctx context.Context, access, refresh string) error {
	return s.applyTokens(ctx, access, refresh, tokenApply{touch: true})
}

// StartSession stores the tokens of a fresh login and clears the cached
// identity, which stays nil until the caller loads the new one.
func (s *SessionStore) StartSession(ctx context.Context, access, refresh string) error {
	return s.applyTokens(ctx, access, refresh, tokenApply{touch: true, clearUser: true})
}

// ApplyRefreshedTokens is SetTokens for the refresh path. A refresh is not
// user activity and leaves the idle clock alone.
func (s *SessionStore) ApplyRefreshedTokens(ctx context.Context, access, refresh string) error {
	return s.applyTokens(ctx, access, refresh, tokenApply{})
}

type tokenApply struct {
	touch     bool
	clearUser bool
}

func (s *SessionStore) applyTokens(ctx context.Context, access, refresh string, opts tokenApply) error {
	claims := decodeClaims(access)
	now := s.clock.Now()

	s.mutate(func(sess *models.Session) {
		sess.AccessToken = access
		sess.AccessExpiresAt = claims.expiresAt
		if refresh != "" {
			sess.RefreshToken = refresh
		}
		if access == "" || opts.clearUser {
			sess.User = nil
		}
		if sess.User != nil && claims.subject != "" && claims.subject != sess.User.ID {
			sess.User = nil
		}
		if opts.touch {
			sess.LastActivityAt = now
		}
	})

	var errs []error
	if err := s.repo.Set(ctx, repository.KeyAccess, access); err != nil {
		errs = append(errs, err)
	}
	if refresh != "" {
		if err := s.repo.Set(ctx, repository.KeyRefresh, refresh); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("Failed to persist tokens")
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	return nil
}

// SetUser replaces the cached identity. A non-nil user is ignored while no
// access token is held.
func (s *SessionStore) SetUser(user *models.UserSummary) {
	ignored := false
	s.mutateIf(func(sess *models.Session) bool {
		if user == nil {
			if sess.User == nil {
				return false
			}
			sess.User = nil
			return true
		}
		if sess.AccessToken == "" {
			ignored = true
			return false
		}
		u := *user
		sess.User = &u
		return true
	})

	if ignored {
		s.logger.Debug("Ignoring user without an access token")
	}
}

// SetActivityNow records user activity.
func (s *SessionStore) SetActivityNow() {
	now := s.clock.Now()
	s.mutate(func(sess *models.Session) {
		sess.LastActivityAt = now
	})
}

// SetRuntimeConfig caches the server-supplied timing in memory and in the
// repository.
func (s *SessionStore) SetRuntimeConfig(ctx context.Context, cfg models.RuntimeAuthConfig) error {
	s.mutate(func(sess *models.Session) {
		sess.Config = cfg
	})

	values := map[string]string{
		repository.KeyAccessTokenLifetime: formatMillis(cfg.AccessTokenLifetime),
		repository.KeyJWTRenewAtSeconds:   formatMillis(cfg.RenewAt),
		repository.KeyIdleTimeoutSeconds:  formatMillis(cfg.IdleTimeout),
		repository.KeyRotateRefreshTokens: strconv.FormatBool(cfg.RotateRefreshTokens),
	}

	var errs []error
	for key, value := range values {
		if err := s.repo.Set(ctx, key, value); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to persist runtime config: %w", err)
	}
	return nil
}

// Logout clears tokens and identity and erases the persisted tokens. Runtime
// configuration is kept. It reports whether there was anything to clear;
// an already cleared session is left alone.
func (s *SessionStore) Logout(ctx context.Context) (bool, error) {
	changed := false
	s.mutateIf(func(sess *models.Session) bool {
		if sess.Cleared() {
			return false
		}
		sess.AccessToken = ""
		sess.RefreshToken = ""
		sess.AccessExpiresAt = time.Time{}
		sess.User = nil
		changed = true
		return true
	})

	if !changed {
		return false, nil
	}

	s.logger.Info("Session cleared")

	if err := s.repo.Delete(ctx, repository.KeyAccess, repository.KeyRefresh); err != nil {
		s.logger.WithError(err).Warn("Failed to erase persisted tokens")
		return true, fmt.Errorf("failed to erase tokens: %w", err)
	}

	return true, nil
}

func (s *SessionStore) mutate(fn func(*models.Session)) {
	s.mutateIf(func(sess *models.Session) bool {
		fn(sess)
		return true
	})
}

// mutateIf applies fn under the write lock and, when fn reports a change,
// notifies listeners. notifyMu is taken before the write lock so that
// notifications are delivered in the order mutations were applied.
func (s *SessionStore) mutateIf(fn func(*models.Session) bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn(&s.session) {
		s.mu.Unlock()
		return
	}
	snap := s.snapshot()
	listeners := make([]func(models.Session), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// snapshot copies the session; the caller holds mu.
func (s *SessionStore) snapshot() models.Session {
	snap := s.session
	if snap.User != nil {
		u := *snap.User
		snap.User = &u
	}
	return snap
}

func (s *SessionStore) readKey(ctx context.Context, key string) (string, error) {
	v, err := s.repo.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (s *SessionStore) readConfig(ctx context.Context) (models.RuntimeAuthConfig, error) {
	var cfg models.RuntimeAuthConfig

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{repository.KeyAccessTokenLifetime, &cfg.AccessTokenLifetime},
		{repository.KeyJWTRenewAtSeconds, &cfg.RenewAt},
		{repository.KeyIdleTimeoutSeconds, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		raw, err := s.readKey(ctx, d.key)
		if err != nil {
			return cfg, err
		}
		*d.dst = parseMillis(raw)
	}

	raw, err := s.readKey(ctx, repository.KeyRotateRefreshTokens)
	if err != nil {
		return cfg, err
	}
	cfg.RotateRefreshTokens, _ = strconv.ParseBool(raw)

	return cfg, nil
}

type tokenClaims struct {
	expiresAt time.Time
	subject   string
}

// decodeClaims reads exp and sub without verifying the signature. Any
// failure yields the zero value; a zero expiry means "unknown expiry".
func decodeClaims(token string) tokenClaims {
	if token == "" {
		return tokenClaims{}
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return tokenClaims{}
	}
	out := tokenClaims{subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.expiresAt = claims.ExpiresAt.Time
	}
	return out
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// parseMillis reads a persisted millisecond value; garbage reads as zero.
func parseMillis(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
