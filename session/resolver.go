package session

import (
	"context"
	"fmt"

	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

// LiveLister is the Helix subset the on-demand resolver needs.
type LiveLister interface {
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
}

// HelixResolver answers on-demand live lookups with one streams request.
type HelixResolver struct {
	Helix LiveLister
}

func (r *HelixResolver) ResolveLive(ctx context.Context, userID string) (*twitchapi.Stream, error) {
	streams, err := r.Helix.GetStreams(ctx, []string{userID})
	if err != nil {
		return nil, fmt.Errorf("live lookup for %s: %w", userID, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return &streams[0], nil
}
