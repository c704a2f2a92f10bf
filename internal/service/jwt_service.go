package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/qcom/dirsession/internal/config"
	"github.com/qcom/dirsession/internal/models"
	"github.com/sirupsen/logrus"
)

// JWTService issues and verifies the development server's HS256 tokens.
type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	clock         clockwork.Clock
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, clock clockwork.Clock, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		clock:         clock,
		logger:        logger,
	}, nil
}

// AccessExpiry is the lifetime of issued access tokens.
func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

// IssuePair signs a fresh access and refresh token for user.
func (s *JWTService) IssuePair(user *models.UserSummary) (*models.TokenPair, *models.Claims, error) {
	access, _, err := s.sign(user, models.TokenTypeAccess, s.accessExpiry)
	if err != nil {
		return nil, nil, err
	}

	refresh, refreshClaims, err := s.sign(user, models.TokenTypeRefresh, s.refreshExpiry)
	if err != nil {
		return nil, nil, err
	}

	return &models.TokenPair{Access: access, Refresh: refresh}, refreshClaims, nil
}

// IssueAccess signs an access token only.
func (s *JWTService) IssueAccess(user *models.UserSummary) (string, error) {
	access, _, err := s.sign(user, models.TokenTypeAccess, s.accessExpiry)
	return access, err
}

func (s *JWTService) sign(user *models.UserSummary, tokenType string, ttl time.Duration) (string, *models.Claims, error) {
	now := s.clock.Now()
	claims := &models.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).WithField("type", tokenType).Error("Failed to sign token")
		return "", nil, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return signed, claims, nil
}

func (s *JWTService) VerifyToken(tokenString string) (*models.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

func GenerateSecretKey() (string, error) {
	key := make([]byte, 32) // 256 bits
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
