package service_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/qcom/dirsession/internal/repository"
	"github.com/qcom/dirsession/internal/service"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// signToken returns a JWT expiring at exp; the client never checks the signature.
func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("client-tests-do-not-verify-this-key"))
	require.NoError(t, err)
	return signed
}

func newStore(t *testing.T) (*service.SessionStore, *repository.MemoryTokenRepository, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	repo := repository.NewMemoryTokenRepository()
	return service.NewSessionStore(repo, clock, nullLogger()), repo, clock
}
