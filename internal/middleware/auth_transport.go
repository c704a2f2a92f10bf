package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/sirupsen/logrus"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
)

// TokenSource yields the current access token, or "" when none is held.
type TokenSource interface {
	AccessToken() string
}

// Refresher obtains a new access token, joining any refresh already running.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

type retriedKey struct{}

// WithRetried marks ctx so that a 401 on the request is not retried.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// AuthTransport attaches the bearer token to outgoing requests and, when a
// request that carried one comes back 401, refreshes the token and resends
// the request once.
type AuthTransport struct {
	base      http.RoundTripper
	tokens    TokenSource
	refresher Refresher
	metrics   *observability.Metrics
	logger    *logrus.Logger
}

func NewAuthTransport(
	base http.RoundTripper,
	tokens TokenSource,
	refresher Refresher,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{
		base:      base,
		tokens:    tokens,
		refresher: refresher,
		metrics:   metrics,
		logger:    logger,
	}
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.tokens.AccessToken()
	out := prepare(req, token)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || token == "" || isRetried(req.Context()) {
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.WithField("path", req.URL.Path).Debug("Request body cannot be replayed, not retrying")
		return resp, nil
	}

	// Keep the rejected response so it can be handed back if the refresh fails.
	rejected, err := bufferResponse(resp)
	if err != nil {
		return nil, err
	}

	ctx := WithRetried(req.Context())

	newToken := t.tokens.AccessToken()
	if newToken == "" || newToken == token {
		newToken, err = t.refresher.Refresh(ctx)
		if err != nil {
			t.logger.WithError(err).WithField("path", req.URL.Path).Debug("Refresh failed, returning original response")
			return rejected, nil
		}
	}

	retry, err := rewind(req.WithContext(ctx), newToken)
	if err != nil {
		return rejected, nil
	}

	t.metrics.RecordRetry()
	return t.base.RoundTrip(retry)
}

// prepare clones req with the bearer credential and a request ID.
func prepare(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set(headerAuthorization, "Bearer "+token)
	}
	if out.Header.Get(headerRequestID) == "" {
		out.Header.Set(headerRequestID, uuid.New().String())
	}
	return out
}

// rewind rebuilds req with a fresh body and the given token.
func rewind(req *http.Request, token string) (*http.Request, error) {
	out := prepare(req, token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

func bufferResponse(resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}
