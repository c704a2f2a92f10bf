package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/qcom/dirsession/internal/models"
	"github.com/sirupsen/logrus"
)

// REST paths of the directory API.
const (
	PathTokenCreate  = "/auth/jwt/create/"
	PathTokenRefresh = "/auth/jwt/refresh/"
	PathCurrentUser  = "/auth/users/me/"
	PathRuntimeAuth  = "/system/runtime-auth/"
)

const maxErrorBody = 64 << 10

// AuthClient calls the directory API. Whether calls are authenticated depends
// on the http.Client it wraps: build one over a plain client for login and
// refresh, and one over the request pipeline for everything else.
type AuthClient struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func NewAuthClient(baseURL string, client *http.Client, logger *logrus.Logger) *AuthClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &AuthClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Login exchanges credentials for a token pair.
func (c *AuthClient) Login(ctx context.Context, username, password string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, PathTokenCreate, models.LoginRequest{
		Username: username,
		Password: password,
	}, &pair); err != nil {
		return nil, err
	}

	if pair.Access == "" || pair.Refresh == "" {
		return nil, &APIError{Kind: ErrServer, Detail: "token response is missing access or refresh"}
	}

	return &pair, nil
}

// Refresh exchanges a refresh token for a new access token. The returned
// pair's Refresh is empty when the server did not rotate it.
func (c *AuthClient) Refresh(ctx context.Context, refresh string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, PathTokenRefresh, models.RefreshRequest{Refresh: refresh}, &pair); err != nil {
		return nil, err
	}

	if pair.Access == "" {
		return nil, &APIError{Kind: ErrServer, Detail: "refresh response is missing access"}
	}

	return &pair, nil
}

// Me fetches the identity behind the current access token.
func (c *AuthClient) Me(ctx context.Context) (*models.UserSummary, error) {
	var user models.UserSummary
	if err := c.do(ctx, http.MethodGet, PathCurrentUser, nil, &user); err != nil {
		return nil, err
	}

	if user.ID == "" && user.Username == "" {
		return nil, &APIError{Kind: ErrServer, Detail: "identity response is empty"}
	}

	return &user, nil
}

// RuntimeConfig fetches the server's session timing. The wire unit is seconds.
func (c *AuthClient) RuntimeConfig(ctx context.Context) (*models.RuntimeAuthConfig, error) {
	var payload models.RuntimeAuthConfigPayload
	if err := c.do(ctx, http.MethodGet, PathRuntimeAuth, nil, &payload); err != nil {
		return nil, err
	}

	cfg := payload.Config()
	return &cfg, nil
}

// GetJSON reads an arbitrary resource into out.
func (c *AuthClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *AuthClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &APIError{Kind: ErrNetwork, Err: ctxErr}
		}
		return &APIError{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeErrorBody(resp)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Debug("API call failed")
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: ErrServer, Status: resp.StatusCode, Detail: "malformed response body", Err: err}
	}

	return nil
}

// decodeErrorBody understands {"detail": "..."} and {"field": ["msg", ...]}
// bodies. Anything else is kept as an opaque detail.
func decodeErrorBody(resp *http.Response) *APIError {
	apiErr := &APIError{
		Kind:   kindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		apiErr.Detail = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		apiErr.Detail = strings.TrimSpace(string(data))
		return apiErr
	}

	for key, value := range raw {
		if key == "detail" {
			var detail string
			if json.Unmarshal(value, &detail) == nil {
				apiErr.Detail = detail
			}
			continue
		}

		var msgs []string
		if err := json.Unmarshal(value, &msgs); err != nil {
			var single string
			if json.Unmarshal(value, &single) != nil {
				continue
			}
			msgs = []string{single}
		}
		if apiErr.Fields == nil {
			apiErr.Fields = make(map[string][]string)
		}
		apiErr.Fields[key] = msgs
	}

	return apiErr
}

// FieldErrors returns the field-level messages of a validation error.
func FieldErrors(err error) map[string][]string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Fields
	}
	return nil
}
