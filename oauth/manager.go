// Package oauth manages the rotating Twitch user token pair: validation,
// refresh, and serialized access for the loops that share it. Refresh tokens
// are single-use; every successful refresh yields a new pair that must be
// persisted atomically or the credential becomes unrecoverable.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultValidateURL = "https://id.twitch.tv/oauth2/validate"
	defaultTokenURL    = "https://id.twitch.tv/oauth2/token"

	// RequiredScope must be granted for chat reads; its absence is a
	// configuration error, not an expired token.
	RequiredScope = "chat:read"

	// proactiveRefreshWindow triggers a best-effort refresh when the token
	// is still valid but close to expiry.
	proactiveRefreshWindow = 600 * time.Second
)

var (
	// ErrTokenInvalid means the validation endpoint answered 401: the access
	// token is expired or revoked and must be refreshed.
	ErrTokenInvalid = errors.New("access token invalid")

	// ErrRefreshTokenInvalid means the refresh endpoint answered 400 or 401:
	// the refresh token was revoked or rotated elsewhere. This is
	// unrecoverable without re-authorization.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid, re-authorization required")

	// ErrMissingScope means the token lacks RequiredScope. Fatal
	// configuration error; refreshing will not grant the scope.
	ErrMissingScope = fmt.Errorf("required scope %q not granted", RequiredScope)
)

// Validation is the identity and lifetime information returned for a valid
// access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"` // seconds
}

// TokenPair is a rotated access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresIn    int
}

// TokenStore persists a rotated pair. SaveTokens must write both tokens in
// one atomic operation.
type TokenStore interface {
	SaveTokens(ctx context.Context, pair TokenPair) error
}

// Manager validates and refreshes the token pair. A single Manager instance
// is shared by the protocol client and the polling scheduler; its refresh
// path is the only synchronization the two loops need.
type Manager struct {
	ClientID     string
	ClientSecret string
	Store        TokenStore
	HTTPClient   *http.Client
	ValidateURL  string // override for tests
	TokenURL     string // override for tests

	group singleflight.Group
}

func (m *Manager) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

// Validate checks the access token against the validation endpoint. A 200
// answer yields the validation result (after enforcing RequiredScope), a 401
// yields ErrTokenInvalid, and anything else is a transient failure.
func (m *Manager) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	if accessToken == "" {
		return nil, ErrTokenInvalid
	}
	endpoint := m.ValidateURL
	if endpoint == "" {
		endpoint = defaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	// Bare bearer token here; the oauth: prefix is an IRC-only convention.
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := m.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("token validation request: %w", err)
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var v Validation
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("decode validation response: %w", err)
		}
		if !slices.Contains(v.Scopes, RequiredScope) {
			return nil, fmt.Errorf("%w (granted: %s)", ErrMissingScope, strings.Join(v.Scopes, " "))
		}
		return &v, nil
	case http.StatusUnauthorized:
		return nil, ErrTokenInvalid
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token validation failed: %s: %s", resp.Status, string(b))
	}
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers with
// the same refresh token collapse into one network call and share its result;
// a stale concurrent refresh with an already-rotated token would otherwise be
// rejected by the platform. The new pair is persisted before returning.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenInvalid
	}
	v, err, _ := m.group.Do(refreshToken, func() (any, error) {
		return m.refresh(ctx, refreshToken)
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	endpoint := m.TokenURL
	if endpoint == "" {
		endpoint = defaultTokenURL
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.http().Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token refresh request: %w", err)
	}
	defer closeBody(resp)

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		b, _ := io.ReadAll(resp.Body)
		return TokenPair{}, fmt.Errorf("%w: %s: %s", ErrRefreshTokenInvalid, resp.Status, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return TokenPair{}, fmt.Errorf("token refresh failed: %s: %s", resp.Status, string(b))
	}

	var body struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Scope        []string `json:"scope"`
		ExpiresIn    int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		return TokenPair{}, errors.New("refresh response missing token pair")
	}
	pair := TokenPair{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Scopes:       body.Scope,
		ExpiresIn:    body.ExpiresIn,
	}
	if m.Store != nil {
		if err := m.Store.SaveTokens(ctx, pair); err != nil {
			// Losing the new refresh token strands the credential: the old
			// one was invalidated the moment the platform rotated it.
			return TokenPair{}, fmt.Errorf("persist rotated token pair: %w", err)
		}
	}
	slog.Info("token pair refreshed")
	return pair, nil
}

// ComputeExpiry converts a relative expires_in to an absolute instant,
// defaulting to one hour when the platform omits it.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(time.Hour)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
