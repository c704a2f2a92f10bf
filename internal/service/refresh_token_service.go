package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// RefreshTokenRecord tracks one issued refresh token.
type RefreshTokenRecord struct {
	JTI       string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshTokenService remembers issued refresh tokens so that a rotated token
// cannot be used twice. Records are dropped once they expire.
type RefreshTokenService struct {
	mu      sync.Mutex
	records map[string]*RefreshTokenRecord
	clock   clockwork.Clock
	logger  *logrus.Logger
}

func NewRefreshTokenService(clock clockwork.Clock, logger *logrus.Logger) *RefreshTokenService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RefreshTokenService{
		records: make(map[string]*RefreshTokenRecord),
		clock:   clock,
		logger:  logger,
	}
}

func (s *RefreshTokenService) Store(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("refresh token has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	s.records[jti] = &RefreshTokenRecord{
		JTI:       jti,
		UserID:    userID,
		CreatedAt: s.clock.Now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

// Revoke marks jti as used. Unknown ids are recorded as revoked too.
func (s *RefreshTokenService) Revoke(ctx context.Context, jti string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jti]
	if !ok {
		rec = &RefreshTokenRecord{JTI: jti, CreatedAt: s.clock.Now(), ExpiresAt: expiresAt}
		s.records[jti] = rec
	}
	rec.Revoked = true
	s.logger.WithField("jti", jti).Debug("Refresh token revoked")
}

func (s *RefreshTokenService) IsRevoked(ctx context.Context, jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jti]
	return ok && rec.Revoked
}

func (s *RefreshTokenService) pruneLocked() {
	now := s.clock.Now()
	for jti, rec := range s.records {
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			delete(s.records, jti)
		}
	}
}
