// Package twitchapi contains minimal Twitch Helix helpers for resolving
// channel logins to user ids and polling live stream status.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// maxIDsPerRequest is the Helix cap on ids per users/streams request.
const maxIDsPerRequest = 100

// TokenProvider supplies a bearer token for Helix calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream describes one live broadcast instance. ID is the platform-assigned
// live session id that chat events are correlated against.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	Language    string    `json:"language"`
	IsMature    bool      `json:"is_mature"`
	StartedAt   time.Time `json:"started_at"`
}

// Client is a minimal Helix API client.
type Client struct {
	ClientID    string
	TokenSource TokenProvider
	BaseURL     string // override for tests
	HTTPClient  *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// GetUsers resolves login names to user records. At most 100 logins per call.
func (c *Client) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > maxIDsPerRequest {
		return nil, fmt.Errorf("too many logins: %d > %d", len(logins), maxIDsPerRequest)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.get(ctx, "/users", "login", logins, &body); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return body.Data, nil
}

// GetStreams returns the live streams among the given user ids. Users not in
// the result are not live. Ids beyond the per-request cap are fetched in
// batches.
func (c *Client) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(userIDs); start += maxIDsPerRequest {
		end := min(start+maxIDsPerRequest, len(userIDs))
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := c.get(ctx, "/streams", "user_id", userIDs[start:end], &body); err != nil {
			return nil, fmt.Errorf("get streams: %w", err)
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path, param string, values []string, dst any) error {
	tok, err := c.TokenSource.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for _, v := range values {
		q.Add(param, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
