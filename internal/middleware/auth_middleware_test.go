package middleware_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/middleware"
	"github.com/qcom/dirsession/internal/models"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyToken(token string) (*models.Claims, error) {
	args := m.Called(token)
	claims, _ := args.Get(0).(*models.Claims)
	return claims, args.Error(1)
}

func TestAuthMiddleware_RequireAuth(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{}
	verifier.On("VerifyToken", "good").Return(&models.Claims{UserID: "u1", Type: models.TokenTypeAccess}, nil)
	verifier.On("VerifyToken", "refresh").Return(&models.Claims{UserID: "u1", Type: models.TokenTypeRefresh}, nil)
	verifier.On("VerifyToken", "bad").Return(nil, errors.New("signature is invalid"))

	m := middleware.NewAuthMiddleware(verifier, nullLogger())
	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.ClaimsFromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(claims.UserID))
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid access token", "Bearer good", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
		{"refresh token", "Bearer refresh", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/users/me/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "u1", rec.Body.String())
				return
			}

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["detail"])
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		})
	}

	verifier.AssertNotCalled(t, "VerifyToken", "")
}

func TestClaimsFromContext_Missing(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := middleware.ClaimsFromContext(req.Context())
	assert.False(t, ok)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	logger, hook := newHookedLogger()
	handler := middleware.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/jwt/create/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/auth/jwt/create/", entry.Data["path"])
	assert.Equal(t, "req-1", entry.Data["request_id"])
}
