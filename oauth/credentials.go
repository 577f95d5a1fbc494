package oauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Credentials holds the current token pair for one Twitch user and keeps it
// valid through the Manager. It is the single in-process owner of the pair:
// refresh tokens rotate on every use, so whichever component refreshed last
// must be the one everyone reads from.
type Credentials struct {
	manager *Manager

	mu      sync.Mutex
	access  string
	refresh string
}

func NewCredentials(m *Manager, accessToken, refreshToken string) *Credentials {
	return &Credentials{manager: m, access: accessToken, refresh: refreshToken}
}

// AccessToken returns the current access token without any validation.
func (c *Credentials) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// RefreshAccessToken forces a refresh and returns the new access token. The
// protocol client calls this after the server rejects its handshake.
func (c *Credentials) RefreshAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()

	pair, err := c.manager.Refresh(ctx, refresh)
	if err != nil {
		return "", err
	}
	c.store(pair)
	return pair.AccessToken, nil
}

// GetValidAccessToken returns an access token that is valid right now. An
// invalid token (401) is refreshed immediately; a valid token near expiry
// gets a best-effort proactive refresh that falls back to the still-valid
// current token; otherwise the current token is returned as is.
func (c *Credentials) GetValidAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	access, refresh := c.access, c.refresh
	c.mu.Unlock()

	v, err := c.manager.Validate(ctx, access)
	switch {
	case errors.Is(err, ErrTokenInvalid):
		slog.Warn("access token invalid, refreshing")
		pair, err := c.manager.Refresh(ctx, refresh)
		if err != nil {
			return "", err
		}
		c.store(pair)
		return pair.AccessToken, nil
	case err != nil:
		return "", err
	}

	if time.Duration(v.ExpiresIn)*time.Second < proactiveRefreshWindow {
		slog.Info("access token near expiry, refreshing proactively", slog.Int("expires_in", v.ExpiresIn))
		pair, err := c.manager.Refresh(ctx, refresh)
		if err != nil {
			// Best-effort; the current token is still valid.
			slog.Warn("proactive refresh failed, keeping current token", slog.Any("err", err))
			return access, nil
		}
		c.store(pair)
		return pair.AccessToken, nil
	}
	return access, nil
}

func (c *Credentials) store(pair TokenPair) {
	c.mu.Lock()
	c.access = pair.AccessToken
	c.refresh = pair.RefreshToken
	c.mu.Unlock()
}
