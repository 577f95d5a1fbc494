package session

import (
	"context"
	"errors"
	"testing"

	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

type fakeResolver struct {
	stream *twitchapi.Stream
	err    error
	calls  int
}

func (r *fakeResolver) ResolveLive(ctx context.Context, userID string) (*twitchapi.Stream, error) {
	r.calls++
	return r.stream, r.err
}

func liveStream(id, userID, login string) *twitchapi.Stream {
	return &twitchapi.Stream{ID: id, UserID: userID, UserLogin: login}
}

func TestOnPollTickStartAndEnd(t *testing.T) {
	tr := NewTracker(nil)

	got := tr.OnPollTick(map[string]*twitchapi.Stream{
		"100": liveStream("s-1", "100", "somestreamer"),
		"200": nil,
	})
	if len(got) != 1 || !got[0].Started || got[0].SessionID != "s-1" {
		t.Fatalf("first tick transitions = %+v, want one start for s-1", got)
	}
	if tr.LiveCount() != 1 {
		t.Errorf("LiveCount = %d, want 1", tr.LiveCount())
	}

	// Same session again: no transitions.
	got = tr.OnPollTick(map[string]*twitchapi.Stream{
		"100": liveStream("s-1", "100", "somestreamer"),
		"200": nil,
	})
	if len(got) != 0 {
		t.Fatalf("steady tick transitions = %+v, want none", got)
	}

	// Channel goes offline.
	got = tr.OnPollTick(map[string]*twitchapi.Stream{
		"100": nil,
		"200": nil,
	})
	if len(got) != 1 || got[0].Started || got[0].SessionID != "s-1" {
		t.Fatalf("offline tick transitions = %+v, want one end for s-1", got)
	}
	if tr.LiveCount() != 0 {
		t.Errorf("LiveCount = %d, want 0", tr.LiveCount())
	}
}

func TestOnPollTickSessionChangeIsNewStart(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnPollTick(map[string]*twitchapi.Stream{"100": liveStream("s-1", "100", "somestreamer")})

	// The poller missed the end; same channel reappears under a new id.
	got := tr.OnPollTick(map[string]*twitchapi.Stream{"100": liveStream("s-2", "100", "somestreamer")})
	if len(got) != 1 || !got[0].Started || got[0].SessionID != "s-2" {
		t.Fatalf("transitions = %+v, want a start for s-2", got)
	}
	if id, err := tr.Resolve(context.Background(), "100"); err != nil || id != "s-2" {
		t.Errorf("Resolve = %q, %v; want s-2", id, err)
	}
}

func TestResolveFromMap(t *testing.T) {
	res := &fakeResolver{}
	tr := NewTracker(res)
	tr.OnPollTick(map[string]*twitchapi.Stream{"100": liveStream("s-1", "100", "somestreamer")})

	id, err := tr.Resolve(context.Background(), "100")
	if err != nil || id != "s-1" {
		t.Fatalf("Resolve = %q, %v; want s-1", id, err)
	}
	if res.calls != 0 {
		t.Errorf("resolver called %d times for a known live channel", res.calls)
	}
}

func TestResolveOnDemand(t *testing.T) {
	res := &fakeResolver{stream: liveStream("s-9", "300", "latestreamer")}
	tr := NewTracker(res)

	id, err := tr.Resolve(context.Background(), "300")
	if err != nil || id != "s-9" {
		t.Fatalf("Resolve = %q, %v; want s-9", id, err)
	}
	if res.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", res.calls)
	}

	// The lookup result is cached in the map.
	if id, err := tr.Resolve(context.Background(), "300"); err != nil || id != "s-9" {
		t.Errorf("second Resolve = %q, %v; want cached s-9", id, err)
	}
	if res.calls != 1 {
		t.Errorf("resolver calls after cached hit = %d, want 1", res.calls)
	}
}

func TestResolveNotLive(t *testing.T) {
	res := &fakeResolver{}
	tr := NewTracker(res)
	if _, err := tr.Resolve(context.Background(), "300"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Resolve error = %v, want ErrUnresolved", err)
	}
}

func TestResolveLookupFailure(t *testing.T) {
	res := &fakeResolver{err: errors.New("api down")}
	tr := NewTracker(res)
	if _, err := tr.Resolve(context.Background(), "300"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Resolve error = %v, want ErrUnresolved on lookup failure", err)
	}
}

func TestResolveNilResolver(t *testing.T) {
	tr := NewTracker(nil)
	if _, err := tr.Resolve(context.Background(), "300"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Resolve error = %v, want ErrUnresolved", err)
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.OnPollTick(map[string]*twitchapi.Stream{
		"100": liveStream("s-1", "100", "somestreamer"),
		"200": nil,
	})

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	byID := make(map[string]Channel, len(snap))
	for _, ch := range snap {
		byID[ch.UserID] = ch
	}
	if ch := byID["100"]; !ch.IsLive || ch.SessionID != "s-1" || ch.Login != "somestreamer" {
		t.Errorf("channel 100 = %+v", ch)
	}
	if ch := byID["200"]; ch.IsLive {
		t.Errorf("channel 200 = %+v, want offline", ch)
	}
}
