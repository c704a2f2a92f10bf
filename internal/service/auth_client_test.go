package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/service"
)

func newClientFor(t *testing.T, handler http.HandlerFunc) *service.AuthClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return service.NewAuthClient(srv.URL+"/", srv.Client(), nullLogger())
}

func TestAuthClient_Login(t *testing.T) {
	t.Parallel()

	client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, service.PathTokenCreate, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req models.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.LoginRequest{Username: "a", Password: "b"}, req)

		json.NewEncoder(w).Encode(models.TokenPair{Access: "acc", Refresh: "ref"})
	})

	pair, err := client.Login(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, &models.TokenPair{Access: "acc", Refresh: "ref"}, pair)
}

func TestAuthClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		kind   error
		detail string
		fields map[string][]string
	}{
		{
			name:   "bad credentials",
			status: http.StatusUnauthorized,
			body:   `{"detail":"No active account found with the given credentials"}`,
			kind:   service.ErrAuth,
			detail: "No active account found with the given credentials",
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{"detail":"nope"}`,
			kind:   service.ErrAuth,
			detail: "nope",
		},
		{
			name:   "field errors",
			status: http.StatusBadRequest,
			body:   `{"username":["This field may not be blank."],"password":"Too short."}`,
			kind:   service.ErrValidation,
			fields: map[string][]string{
				"username": {"This field may not be blank."},
				"password": {"Too short."},
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			kind:   service.ErrServer,
			detail: "<html>bad gateway</html>",
		},
		{
			name:   "empty body",
			status: http.StatusInternalServerError,
			kind:   service.ErrServer,
			detail: "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Login(context.Background(), "a", "b")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var apiErr *service.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.detail, apiErr.Detail)
			assert.Equal(t, tt.fields, service.FieldErrors(err))
		})
	}
}

func TestAuthClient_MalformedResponses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("not json", func(t *testing.T) {
		client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		})
		_, err := client.Me(ctx)
		assert.ErrorIs(t, err, service.ErrServer)
	})

	t.Run("login without refresh", func(t *testing.T) {
		client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"access":"a"}`))
		})
		_, err := client.Login(ctx, "a", "b")
		assert.ErrorIs(t, err, service.ErrServer)
	})

	t.Run("refresh may omit refresh", func(t *testing.T) {
		client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
			var req models.RefreshRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "r1", req.Refresh)
			w.Write([]byte(`{"access":"a2"}`))
		})
		pair, err := client.Refresh(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "a2", pair.Access)
		assert.Empty(t, pair.Refresh)
	})
}

func TestAuthClient_NetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := service.NewAuthClient(url, &http.Client{Timeout: time.Second}, nullLogger())
	_, err := client.Me(context.Background())
	assert.ErrorIs(t, err, service.ErrNetwork)
	assert.False(t, service.IsAuthError(err))
}

func TestAuthClient_RuntimeConfigSeconds(t *testing.T) {
	t.Parallel()

	client := newClientFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, service.PathRuntimeAuth, r.URL.Path)
		w.Write([]byte(`{"ACCESS_TOKEN_LIFETIME":300,"JWT_RENEW_AT_SECONDS":60,"IDLE_TIMEOUT_SECONDS":2,"ROTATE_REFRESH_TOKENS":true}`))
	})

	cfg, err := client.RuntimeConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RuntimeAuthConfig{
		AccessTokenLifetime: 5 * time.Minute,
		RenewAt:             time.Minute,
		IdleTimeout:         2 * time.Second,
		RotateRefreshTokens: true,
	}, *cfg)
}
