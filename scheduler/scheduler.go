// Package scheduler runs the periodic live-status poll that drives session
// correlation and the stream catalog.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamtaryo-san/twitch-chat-collector/config"
	"github.com/hamtaryo-san/twitch-chat-collector/oauth"
	"github.com/hamtaryo-san/twitch-chat-collector/session"
	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

// StreamLister is the Helix subset the poller needs.
type StreamLister interface {
	GetUsers(ctx context.Context, logins []string) ([]twitchapi.User, error)
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
}

// Catalog persists observed streams.
type Catalog interface {
	UpsertStream(ctx context.Context, st *twitchapi.Stream) error
	MarkStreamEnded(ctx context.Context, streamID string, endedAt time.Time) error
}

// Stats summarizes one poll tick.
type Stats struct {
	Checked int
	Live    int
	Started int
	Ended   int
}

// Scheduler polls live status for the watch list on a fixed interval and
// feeds the results to the session tracker and the stream catalog. It also
// keeps the stored user token pair fresh by exercising the credential once
// per tick.
type Scheduler struct {
	Helix       StreamLister
	Catalog     Catalog
	Tracker     *session.Tracker
	Credentials *oauth.Credentials
	Channels    []config.Channel
	Interval    time.Duration

	userIDs []string // resolved once at startup
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

// ResolveChannelIDs fills in missing user ids on the watch list. Entries the
// platform does not know are dropped with a warning.
func (s *Scheduler) ResolveChannelIDs(ctx context.Context) error {
	var missing []string
	for _, ch := range s.Channels {
		if ch.UserID == "" {
			missing = append(missing, ch.UserLogin)
		}
	}
	if len(missing) > 0 {
		users, err := s.Helix.GetUsers(ctx, missing)
		if err != nil {
			return fmt.Errorf("resolve channel ids: %w", err)
		}
		byLogin := make(map[string]string, len(users))
		for _, u := range users {
			byLogin[u.Login] = u.ID
		}
		for i := range s.Channels {
			if s.Channels[i].UserID == "" {
				s.Channels[i].UserID = byLogin[s.Channels[i].UserLogin]
			}
		}
	}

	s.userIDs = s.userIDs[:0]
	for _, ch := range s.Channels {
		if ch.UserID == "" {
			slog.Warn("unknown channel, dropping from watch list", slog.String("login", ch.UserLogin))
			continue
		}
		s.userIDs = append(s.userIDs, ch.UserID)
	}
	if len(s.userIDs) == 0 {
		return fmt.Errorf("no resolvable channels in watch list")
	}
	return nil
}

// Run polls until the context is cancelled. The first tick fires immediately
// so a freshly started process correlates events without waiting a full
// interval. Per-tick failures are logged and retried next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.userIDs) == 0 {
		if err := s.ResolveChannelIDs(ctx); err != nil {
			return err
		}
	}
	slog.Info("live-status poller started",
		slog.Duration("interval", s.interval()), slog.Int("channels", len(s.userIDs)))

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		if stats, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("poll tick failed", slog.Any("err", err))
		} else {
			slog.Debug("poll tick",
				slog.Int("checked", stats.Checked), slog.Int("live", stats.Live),
				slog.Int("started", stats.Started), slog.Int("ended", stats.Ended))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one poll pass.
func (s *Scheduler) Tick(ctx context.Context) (Stats, error) {
	telemetry.Inc(telemetry.PollTicks)
	var stats Stats
	var tickErr error
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		stats, tickErr = s.tick(ctx)
	})
	return stats, tickErr
}

func (s *Scheduler) tick(ctx context.Context) (Stats, error) {
	stats := Stats{Checked: len(s.userIDs)}

	// Exercise the stored user credential so a near-expiry pair rotates
	// ahead of the next reconnect, and token revocation surfaces here
	// rather than mid-listen. Failures are non-fatal for polling.
	if s.Credentials != nil {
		if _, err := s.Credentials.GetValidAccessToken(ctx); err != nil {
			slog.Warn("credential upkeep failed", slog.Any("err", err))
		}
	}

	streams, err := s.Helix.GetStreams(ctx, s.userIDs)
	if err != nil {
		return stats, fmt.Errorf("get streams: %w", err)
	}

	live := make(map[string]*twitchapi.Stream, len(s.userIDs))
	for _, id := range s.userIDs {
		live[id] = nil
	}
	for i := range streams {
		st := &streams[i]
		live[st.UserID] = st
		stats.Live++
		if err := s.Catalog.UpsertStream(ctx, st); err != nil {
			slog.Error("upsert stream failed", slog.String("stream_id", st.ID), slog.Any("err", err))
		}
	}

	for _, tr := range s.Tracker.OnPollTick(live) {
		if tr.Started {
			stats.Started++
			telemetry.Inc(telemetry.StreamsObserved)
			slog.Info("stream started",
				slog.String("user_id", tr.UserID), slog.String("session_id", tr.SessionID))
			continue
		}
		stats.Ended++
		slog.Info("stream ended",
			slog.String("user_id", tr.UserID), slog.String("session_id", tr.SessionID))
		if err := s.Catalog.MarkStreamEnded(ctx, tr.SessionID, tr.At); err != nil {
			slog.Error("mark stream ended failed", slog.String("stream_id", tr.SessionID), slog.Any("err", err))
		}
	}

	telemetry.SetLiveChannels(s.Tracker.LiveCount())
	return stats, nil
}
