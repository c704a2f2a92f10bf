package service

import (
	"context"
	"time"

	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// TokenRefresher performs the refresh network call.
type TokenRefresher interface {
	Refresh(ctx context.Context, refresh string) (*models.TokenPair, error)
}

// RefreshCoordinator turns concurrent "access token rejected" events into a
// single refresh call. Callers that arrive while a refresh is in flight join
// it and receive its result; once it settles the next caller starts a new one.
type RefreshCoordinator struct {
	group   singleflight.Group
	store   *SessionStore
	api     TokenRefresher
	timeout time.Duration
	metrics *observability.Metrics
	logger  *logrus.Logger
}

func NewRefreshCoordinator(
	store *SessionStore,
	api TokenRefresher,
	timeout time.Duration,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *RefreshCoordinator {
	return &RefreshCoordinator{
		store:   store,
		api:     api,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Refresh returns a new access token. On failure the session has been logged
// out exactly once for the whole cycle and the error wraps ErrAuth.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		// The shared call must not die with whichever caller started it.
		callCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, c.timeout)
			defer cancel()
		}
		return c.refresh(callCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &APIError{Kind: ErrNetwork, Err: ctx.Err()}
	}
}

func (c *RefreshCoordinator) refresh(ctx context.Context) (string, error) {
	refresh := c.store.State().RefreshToken
	if refresh == "" {
		c.logger.Info("No refresh token held, ending session")
		c.fail(ctx)
		return "", &APIError{Kind: ErrAuth, Err: ErrNoRefreshToken}
	}

	pair, err := c.api.Refresh(ctx, refresh)
	if err != nil {
		c.metrics.RecordRefresh(false)
		c.logger.WithError(err).Warn("Token refresh failed, ending session")
		c.fail(ctx)
		if IsAuthError(err) {
			return "", err
		}
		return "", &APIError{Kind: ErrAuth, Detail: "token refresh failed", Err: err}
	}

	c.metrics.RecordRefresh(true)

	if err := c.store.ApplyRefreshedTokens(ctx, pair.Access, pair.Refresh); err != nil {
		// memory already holds the new tokens; requests can proceed
		c.logger.WithError(err).Warn("Refreshed tokens were not persisted")
	}

	c.logger.WithField("rotated", pair.Refresh != "").Debug("Access token refreshed")
	return pair.Access, nil
}

func (c *RefreshCoordinator) fail(ctx context.Context) {
	// ctx may already be past its deadline
	changed, err := c.store.Logout(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.WithError(err).Warn("Logout after failed refresh was incomplete")
	}
	if changed {
		c.metrics.RecordLogout(observability.LogoutRefreshFailed)
	}
}
