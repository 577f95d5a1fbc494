// Package session correlates channels with the platform's live session ids.
// Chat events are only worth archiving when they can be attributed to a
// specific broadcast; the tracker owns that mapping and decides the fate of
// events that arrive while no session is known.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

// ErrUnresolved means no live session is known for the channel even after an
// on-demand lookup. Events hitting this are dropped with a diagnostic; it
// happens in the window between a broadcast starting or ending and the next
// poll tick observing it.
var ErrUnresolved = errors.New("no live session resolved for channel")

// Resolver performs one on-demand live-status lookup for a channel. A nil
// stream with a nil error means the channel is not live.
type Resolver interface {
	ResolveLive(ctx context.Context, userID string) (*twitchapi.Stream, error)
}

// Channel is the tracked per-channel state. Entries are created lazily on the
// first poll result and never deleted, only toggled live/offline.
type Channel struct {
	UserID    string
	Login     string
	SessionID string
	IsLive    bool
}

// Transition reports a broadcast starting or ending, produced by a poll tick.
type Transition struct {
	UserID    string
	SessionID string
	Started   bool
	Stream    *twitchapi.Stream // set for starts
	At        time.Time
}

// Tracker maintains the channel→session map. One mutex guards the map; both
// the event-attachment path and the poll tick go through it, and contention
// is low-frequency.
type Tracker struct {
	resolver Resolver

	mu       sync.Mutex
	channels map[string]*Channel // by user id
}

func NewTracker(resolver Resolver) *Tracker {
	return &Tracker{
		resolver: resolver,
		channels: make(map[string]*Channel),
	}
}

// OnPollTick ingests one poll result: live holds an entry per polled channel,
// with a nil stream for channels not currently live. It diffs against the
// previous live set and returns the start/end transitions in no particular
// order.
func (t *Tracker) OnPollTick(live map[string]*twitchapi.Stream) []Transition {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for userID, st := range live {
		ch := t.channels[userID]
		if ch == nil {
			ch = &Channel{UserID: userID}
			t.channels[userID] = ch
		}
		switch {
		case st != nil && (!ch.IsLive || ch.SessionID != st.ID):
			ch.Login = st.UserLogin
			ch.SessionID = st.ID
			ch.IsLive = true
			transitions = append(transitions, Transition{UserID: userID, SessionID: st.ID, Started: true, Stream: st, At: now})
		case st != nil:
			// Still live on the same session; refresh metadata only.
			ch.Login = st.UserLogin
		case ch.IsLive:
			ch.IsLive = false
			transitions = append(transitions, Transition{UserID: userID, SessionID: ch.SessionID, At: now})
		}
	}
	return transitions
}

// Resolve returns the live session id for a channel. A known live channel
// answers from the map; otherwise one synchronous on-demand lookup is made
// and the map updated with its result. ErrUnresolved is returned when the
// channel is simply not live.
func (t *Tracker) Resolve(ctx context.Context, userID string) (string, error) {
	t.mu.Lock()
	ch := t.channels[userID]
	if ch != nil && ch.IsLive && ch.SessionID != "" {
		id := ch.SessionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	if t.resolver == nil {
		return "", ErrUnresolved
	}
	st, err := t.resolver.ResolveLive(ctx, userID)
	if err != nil {
		slog.Debug("on-demand live lookup failed", slog.String("user_id", userID), slog.Any("err", err))
		return "", ErrUnresolved
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ch = t.channels[userID]
	if ch == nil {
		ch = &Channel{UserID: userID}
		t.channels[userID] = ch
	}
	if st == nil {
		ch.IsLive = false
		return "", ErrUnresolved
	}
	ch.Login = st.UserLogin
	ch.SessionID = st.ID
	ch.IsLive = true
	return st.ID, nil
}

// LiveCount reports how many tracked channels are currently live.
func (t *Tracker) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ch := range t.channels {
		if ch.IsLive {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the tracked channel states, for the status
// endpoint.
func (t *Tracker) Snapshot() []Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, *ch)
	}
	return out
}
