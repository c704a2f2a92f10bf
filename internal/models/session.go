package models

import "time"

// RuntimeAuthConfig holds the server-supplied session timing. Durations are
// kept in memory as time.Duration; see RuntimeAuthConfigPayload for the wire
// form and repository keys for the persisted form.
type RuntimeAuthConfig struct {
	AccessTokenLifetime time.Duration
	RenewAt             time.Duration
	// IdleTimeout <= 0 disables idle tracking.
	IdleTimeout         time.Duration
	RotateRefreshTokens bool
}

func (c RuntimeAuthConfig) IdleTrackingEnabled() bool {
	return c.IdleTimeout > 0
}

// RuntimeAuthConfigPayload is the body of GET /system/runtime-auth/.
// All numeric fields are whole seconds.
type RuntimeAuthConfigPayload struct {
	AccessTokenLifetime int64 `json:"ACCESS_TOKEN_LIFETIME"`
	JWTRenewAtSeconds   int64 `json:"JWT_RENEW_AT_SECONDS"`
	IdleTimeoutSeconds  int64 `json:"IDLE_TIMEOUT_SECONDS"`
	RotateRefreshTokens bool  `json:"ROTATE_REFRESH_TOKENS"`
}

func (p RuntimeAuthConfigPayload) Config() RuntimeAuthConfig {
	return RuntimeAuthConfig{
		AccessTokenLifetime: time.Duration(p.AccessTokenLifetime) * time.Second,
		RenewAt:             time.Duration(p.JWTRenewAtSeconds) * time.Second,
		IdleTimeout:         time.Duration(p.IdleTimeoutSeconds) * time.Second,
		RotateRefreshTokens: p.RotateRefreshTokens,
	}
}

func NewRuntimeAuthConfigPayload(c RuntimeAuthConfig) RuntimeAuthConfigPayload {
	return RuntimeAuthConfigPayload{
		AccessTokenLifetime: int64(c.AccessTokenLifetime / time.Second),
		JWTRenewAtSeconds:   int64(c.RenewAt / time.Second),
		IdleTimeoutSeconds:  int64(c.IdleTimeout / time.Second),
		RotateRefreshTokens: c.RotateRefreshTokens,
	}
}

// Session is a snapshot of the client-side authenticated session.
// Empty strings stand for absent tokens and a zero AccessExpiresAt for an
// unknown expiry.
type Session struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	User            *UserSummary
	LastActivityAt  time.Time
	Config          RuntimeAuthConfig
}

func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// AccessExpired reports whether the access token is expired at now.
// An unknown expiry counts as expired.
func (s Session) AccessExpired(now time.Time) bool {
	if s.AccessExpiresAt.IsZero() {
		return true
	}
	return !now.Before(s.AccessExpiresAt)
}

// Cleared reports whether the session holds neither credentials nor identity.
func (s Session) Cleared() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.User == nil
}
