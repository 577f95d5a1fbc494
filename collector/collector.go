// Package collector wires the chat protocol client, the session tracker and
// the event store into the long-running collection loop. It owns the
// reconnect policy and decides which failures end the process.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamtaryo-san/twitch-chat-collector/irc"
	"github.com/hamtaryo-san/twitch-chat-collector/oauth"
	"github.com/hamtaryo-san/twitch-chat-collector/session"
	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
)

// Store is the persistence surface the collector writes events to. All
// methods must be idempotent; the collector replays lines after reconnects.
type Store interface {
	InsertChatMessage(ctx context.Context, m *irc.Message) error
	InsertDeletion(ctx context.Context, d *irc.Deletion) error
	InsertBan(ctx context.Context, b *irc.Ban) error
	InsertUnban(ctx context.Context, u *irc.Unban) error
}

const persistTimeout = 10 * time.Second

// Collector runs the chat collection loop. Construct with all fields set and
// call Run once; the zero value is not usable.
type Collector struct {
	Credentials *oauth.Credentials
	Store       Store
	Tracker     *session.Tracker
	Channels    []string // watched logins

	ServerURL            string // empty means the production chat endpoint
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// ctx is the Run context, used by the handler callbacks which have no
	// context of their own.
	ctx context.Context
}

func (c *Collector) reconnectInterval() time.Duration {
	if c.ReconnectInterval > 0 {
		return c.ReconnectInterval
	}
	return 5 * time.Second
}

func (c *Collector) maxAttempts() int {
	if c.MaxReconnectAttempts > 0 {
		return c.MaxReconnectAttempts
	}
	return 10
}

// fatal reports whether an error must end the process instead of being
// retried: a revoked refresh token or a credential that can never work.
func fatal(err error) bool {
	return errors.Is(err, oauth.ErrRefreshTokenInvalid) ||
		errors.Is(err, oauth.ErrMissingScope) ||
		errors.Is(err, irc.ErrAuthenticationFailed)
}

// Run validates the credential, then connects and listens until the context
// is cancelled. Transient failures reconnect with a fixed interval up to
// MaxReconnectAttempts consecutive times; a successful connection resets the
// budget. Returns nil on cancellation, an error when the credential is dead
// or the reconnect budget is exhausted.
func (c *Collector) Run(ctx context.Context) error {
	c.ctx = ctx

	token, err := c.Credentials.GetValidAccessToken(ctx)
	if err != nil {
		if fatal(err) {
			return fmt.Errorf("startup credential check: %w", err)
		}
		// Transient validation failure; try the connection with what we
		// have and let the reconnect loop sort it out.
		slog.Warn("startup credential check inconclusive, proceeding", slog.Any("err", err))
		token = c.Credentials.AccessToken()
	}

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempts > 0 {
			telemetry.Inc(telemetry.Reconnects)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.reconnectInterval()):
			}
		}

		client := irc.NewClient(token, c)
		client.Refresher = c.Credentials
		if c.ServerURL != "" {
			client.URL = c.ServerURL
		}

		if err := client.Connect(ctx); err != nil {
			switch {
			case errors.Is(err, irc.ErrReconnectRequired):
				// Handshake was rejected but the refresh succeeded; go
				// again with the rotated token.
				telemetry.Inc(telemetry.TokenRefreshes)
				token = c.Credentials.AccessToken()
				attempts++
				slog.Info("token refreshed after rejected handshake, reconnecting", slog.Int("attempt", attempts))
			case fatal(err):
				return fmt.Errorf("connect: %w", err)
			default:
				attempts++
				slog.Warn("connect failed", slog.Any("err", err), slog.Int("attempt", attempts))
			}
			if attempts >= c.maxAttempts() {
				return fmt.Errorf("giving up after %d consecutive failed connection attempts: %w", attempts, err)
			}
			continue
		}

		if err := client.JoinChannels(c.Channels); err != nil {
			slog.Warn("join failed", slog.Any("err", err))
			client.Close()
			attempts++
			if attempts >= c.maxAttempts() {
				return fmt.Errorf("giving up after %d consecutive failed connection attempts: %w", attempts, err)
			}
			continue
		}

		attempts = 0
		telemetry.SetConnected(true)
		slog.Info("chat connection established", slog.Int("channels", len(c.Channels)))

		err := client.Listen(ctx)
		telemetry.SetConnected(false)
		client.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("chat connection lost", slog.Any("err", err))
		}
		attempts++
	}
}

// resolveSession attaches the live session for the channel, or reports why
// the event must be dropped.
func (c *Collector) resolveSession(channelID, channel string) (string, bool) {
	if channelID == "" {
		slog.Debug("event without room id, dropping", slog.String("channel", channel))
		telemetry.Inc(telemetry.EventsDropped)
		return "", false
	}
	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()
	sessionID, err := c.Tracker.Resolve(ctx, channelID)
	if err != nil {
		slog.Debug("no live session for event, dropping",
			slog.String("channel", channel), slog.String("channel_id", channelID), slog.Any("err", err))
		telemetry.Inc(telemetry.EventsDropped)
		return "", false
	}
	return sessionID, true
}

func (c *Collector) persist(what string, fn func(ctx context.Context) error) bool {
	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()
	var err error
	telemetry.TimeFunc(telemetry.WriteDuration, func() { err = fn(ctx) })
	if err != nil {
		slog.Error("persist failed", slog.String("event", what), slog.Any("err", err))
		return false
	}
	return true
}

// OnMessage implements irc.Handler.
func (c *Collector) OnMessage(m *irc.Message) {
	sessionID, ok := c.resolveSession(m.ChannelID, m.Channel)
	if !ok {
		return
	}
	m.SessionID = sessionID
	if c.persist("message", func(ctx context.Context) error { return c.Store.InsertChatMessage(ctx, m) }) {
		telemetry.Inc(telemetry.MessagesSaved)
	}
}

// OnDeletion implements irc.Handler.
func (c *Collector) OnDeletion(d *irc.Deletion) {
	sessionID, ok := c.resolveSession(d.ChannelID, d.Channel)
	if !ok {
		return
	}
	d.SessionID = sessionID
	if c.persist("deletion", func(ctx context.Context) error { return c.Store.InsertDeletion(ctx, d) }) {
		telemetry.Inc(telemetry.DeletionsSaved)
	}
}

// OnBan implements irc.Handler.
func (c *Collector) OnBan(b *irc.Ban) {
	sessionID, ok := c.resolveSession(b.ChannelID, b.Channel)
	if !ok {
		return
	}
	b.SessionID = sessionID
	if c.persist("ban", func(ctx context.Context) error { return c.Store.InsertBan(ctx, b) }) {
		telemetry.Inc(telemetry.BansSaved)
	}
}

// OnUnban records an unban event. Unbans are not observable over the chat
// connection; this path serves ingestion sources that do see them.
func (c *Collector) OnUnban(u *irc.Unban) {
	sessionID, ok := c.resolveSession(u.ChannelID, u.Channel)
	if !ok {
		return
	}
	u.SessionID = sessionID
	if c.persist("unban", func(ctx context.Context) error { return c.Store.InsertUnban(ctx, u) }) {
		telemetry.Inc(telemetry.UnbansSaved)
	}
}
