package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultAppTokenURL = "https://id.twitch.tv/oauth2/token" //nolint:gosec // G101: endpoint URL, not a credential

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token for Helix calls. This token cannot authenticate IRC; chat requires
// the user token pair managed by the oauth package.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // override for tests
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Token returns a cached token, fetching a fresh one when the cache is empty
// or within a minute of expiry.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.token != "" && time.Until(s.expiresAt) > time.Minute {
		tok := s.token
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()
	return s.fetch(ctx)
}

func (s *AppTokenSource) fetch(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > time.Minute {
		return s.token, nil
	}
	if s.ClientID == "" || s.ClientSecret == "" {
		return "", errors.New("missing client id/secret for app token")
	}
	endpoint := s.TokenURL
	if endpoint == "" {
		endpoint = defaultAppTokenURL
	}
	form := url.Values{}
	form.Set("client_id", s.ClientID)
	form.Set("client_secret", s.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := s.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("app token request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", errors.New("empty access_token in app token response")
	}
	s.token = body.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return s.token, nil
}
