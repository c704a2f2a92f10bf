package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/qcom/dirsession/internal/service"
)

// stubRefresher answers refresh calls, optionally holding them until released.
type stubRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	pair    *models.TokenPair
	err     error
	seen    []string
	mu      sync.Mutex
}

func newStubRefresher(pair *models.TokenPair, err error) *stubRefresher {
	return &stubRefresher{
		started: make(chan struct{}, 16),
		pair:    pair,
		err:     err,
	}
}

func (s *stubRefresher) Refresh(ctx context.Context, refresh string) (*models.TokenPair, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = append(s.seen, refresh)
	s.mu.Unlock()

	s.started <- struct{}{}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.pair, s.err
}

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func TestRefreshCoordinator_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(ctx, signToken(t, "1", epoch.Add(time.Minute)), "r1"))

	fresh := signToken(t, "1", epoch.Add(10*time.Minute))
	api := newStubRefresher(&models.TokenPair{Access: fresh, Refresh: "r2"}, nil)
	api.release = make(chan struct{})
	metrics := newMetrics()
	coord := service.NewRefreshCoordinator(store, api, time.Second, metrics, nullLogger())

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = coord.Refresh(ctx)
		}(i)
	}

	<-api.started
	// give the remaining callers time to join the call in flight
	time.Sleep(50 * time.Millisecond)
	close(api.release)
	wg.Wait()

	assert.Equal(t, int32(1), api.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fresh, tokens[i])
	}
	assert.Equal(t, []string{"r1"}, api.seen)

	state := store.State()
	assert.Equal(t, fresh, state.AccessToken)
	assert.Equal(t, "r2", state.RefreshToken)
	assert.Equal(t, 1.0, metrics.RefreshCount("success"))
}

func TestRefreshCoordinator_FailureLogsOutOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(ctx, signToken(t, "1", epoch.Add(time.Minute)), "r1"))

	var logouts atomic.Int32
	store.Subscribe(func(s models.Session) {
		if s.Cleared() {
			logouts.Add(1)
		}
	})

	api := newStubRefresher(nil, &service.APIError{Kind: service.ErrAuth, Status: 401, Detail: "Token is blacklisted"})
	api.release = make(chan struct{})
	metrics := newMetrics()
	coord := service.NewRefreshCoordinator(store, api, time.Second, metrics, nullLogger())

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Refresh(ctx)
		}(i)
	}

	<-api.started
	time.Sleep(50 * time.Millisecond)
	close(api.release)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, service.IsAuthError(err))
	}
	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, int32(1), logouts.Load())
	assert.True(t, store.State().Cleared())
	assert.Equal(t, 1.0, metrics.RefreshCount("failure"))
	assert.Equal(t, 1.0, metrics.LogoutCount(observability.LogoutRefreshFailed))
}

func TestRefreshCoordinator_NetworkFailureIsAuthFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(ctx, "a1", "r1"))

	api := newStubRefresher(nil, &service.APIError{Kind: service.ErrNetwork, Err: errors.New("connection refused")})
	coord := service.NewRefreshCoordinator(store, api, time.Second, nil, nullLogger())

	_, err := coord.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrAuth)
	assert.ErrorIs(t, err, service.ErrNetwork)
	assert.True(t, store.State().Cleared())
}

func TestRefreshCoordinator_NoRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(ctx, "a1", ""))

	api := newStubRefresher(&models.TokenPair{Access: "never"}, nil)
	metrics := newMetrics()
	coord := service.NewRefreshCoordinator(store, api, time.Second, metrics, nullLogger())

	_, err := coord.Refresh(ctx)
	assert.ErrorIs(t, err, service.ErrNoRefreshToken)
	assert.ErrorIs(t, err, service.ErrAuth)
	assert.Equal(t, int32(0), api.calls.Load())
	assert.Equal(t, "", store.State().AccessToken)
	assert.Equal(t, 1.0, metrics.LogoutCount(observability.LogoutRefreshFailed))
}

func TestRefreshCoordinator_CallerCancelDoesNotAbortSharedCall(t *testing.T) {
	t.Parallel()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(context.Background(), "a1", "r1"))

	api := newStubRefresher(&models.TokenPair{Access: "a2"}, nil)
	api.release = make(chan struct{})
	coord := service.NewRefreshCoordinator(store, api, time.Second, nil, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Refresh(ctx)
		done <- err
	}()

	<-api.started
	cancel()
	err := <-done
	assert.ErrorIs(t, err, service.ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)

	close(api.release)
	assert.Eventually(t, func() bool {
		return store.State().AccessToken == "a2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "r1", store.State().RefreshToken)
}

func TestRefreshCoordinator_Timeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _, _ := newStore(t)
	require.NoError(t, store.SetTokens(ctx, "a1", "r1"))

	api := newStubRefresher(&models.TokenPair{Access: "a2"}, nil)
	api.release = make(chan struct{})
	coord := service.NewRefreshCoordinator(store, api, 20*time.Millisecond, nil, nullLogger())

	_, err := coord.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrAuth)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, store.State().Cleared())
}
