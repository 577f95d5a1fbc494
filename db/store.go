package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hamtaryo-san/twitch-chat-collector/irc"
	"github.com/hamtaryo-san/twitch-chat-collector/twitchapi"
)

// Store is the write path for collected chat events and the stream catalog.
// All inserts are idempotent so the collector can replay lines after a
// reconnect without producing duplicate rows.
type Store struct {
	DB *sql.DB
}

func NewStore(dbx *sql.DB) *Store { return &Store{DB: dbx} }

// InsertChatMessage inserts one message, keyed by the platform message id.
// Replays of an already stored id are silently ignored.
func (s *Store) InsertChatMessage(ctx context.Context, m *irc.Message) error {
	q := `INSERT INTO chat_messages(
			id, stream_id, channel_id, channel_login,
			user_id, user_login, user_name,
			message, color, badges, bits,
			is_subscriber, is_moderator, is_vip, is_first_message, sent_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		  ON CONFLICT(id) DO NOTHING`
	_, err := s.DB.ExecContext(ctx, q,
		m.ID, m.SessionID, m.ChannelID, m.Channel,
		m.UserID, m.UserLogin, m.UserName,
		m.Text, m.Color, m.Badges, m.Bits,
		m.IsSubscriber, m.IsModerator, m.IsVIP, m.IsFirstMessage, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// InsertDeletion records a moderator deleting one message. Deduplicated on
// the deleted message id.
func (s *Store) InsertDeletion(ctx context.Context, d *irc.Deletion) error {
	q := `INSERT INTO message_deleted_events(stream_id, channel_login, target_user_id, target_user_login, message_id, deleted_at)
		  VALUES($1,$2,$3,$4,$5,$6)
		  ON CONFLICT(message_id) DO NOTHING`
	_, err := s.DB.ExecContext(ctx, q, d.SessionID, d.Channel, d.TargetUserID, d.TargetUserLogin, d.MessageID, d.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert deletion for message %s: %w", d.MessageID, err)
	}
	return nil
}

// InsertBan records a ban or timeout. For timeouts the expiry is approximated
// as banned_at plus the announced duration; the protocol does not carry an
// absolute end instant.
func (s *Store) InsertBan(ctx context.Context, b *irc.Ban) error {
	var durationSeconds sql.NullInt64
	var expiresAt sql.NullTime
	if !b.IsPermanent {
		durationSeconds = sql.NullInt64{Int64: int64(b.Duration / time.Second), Valid: true}
		expiresAt = sql.NullTime{Time: b.BannedAt.Add(b.Duration), Valid: true}
	}
	q := `INSERT INTO user_banned_events(stream_id, channel_login, target_user_id, target_user_login, is_permanent, duration_seconds, expires_at, banned_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.DB.ExecContext(ctx, q, b.SessionID, b.Channel, b.UserID, b.UserLogin, b.IsPermanent, durationSeconds, expiresAt, b.BannedAt)
	if err != nil {
		return fmt.Errorf("insert ban for user %s: %w", b.UserLogin, err)
	}
	return nil
}

// InsertUnban records a user unban.
func (s *Store) InsertUnban(ctx context.Context, u *irc.Unban) error {
	q := `INSERT INTO user_unbanned_events(stream_id, channel_login, target_user_id, target_user_login, unbanned_at)
		  VALUES($1,$2,$3,$4,$5)`
	_, err := s.DB.ExecContext(ctx, q, u.SessionID, u.Channel, u.UserID, u.UserLogin, u.UnbannedAt)
	if err != nil {
		return fmt.Errorf("insert unban for user %s: %w", u.UserLogin, err)
	}
	return nil
}

// UpsertStream records a live stream observed by the poller, refreshing the
// mutable fields on subsequent ticks of the same broadcast.
func (s *Store) UpsertStream(ctx context.Context, st *twitchapi.Stream) error {
	q := `INSERT INTO streams(id, user_id, user_login, user_name, game_id, game_name, title, viewer_count, language, is_mature, started_at, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		  ON CONFLICT(id) DO UPDATE SET
		    game_id=EXCLUDED.game_id,
		    game_name=EXCLUDED.game_name,
		    title=EXCLUDED.title,
		    viewer_count=EXCLUDED.viewer_count,
		    updated_at=NOW()`
	_, err := s.DB.ExecContext(ctx, q,
		st.ID, st.UserID, st.UserLogin, st.UserName, st.GameID, st.GameName,
		st.Title, st.ViewerCount, st.Language, st.IsMature, st.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert stream %s: %w", st.ID, err)
	}
	return nil
}

// MarkStreamEnded stamps the end of a broadcast. Safe to call repeatedly; the
// first observed end wins.
func (s *Store) MarkStreamEnded(ctx context.Context, streamID string, endedAt time.Time) error {
	q := `UPDATE streams SET ended_at=$2, updated_at=NOW() WHERE id=$1 AND ended_at IS NULL`
	if _, err := s.DB.ExecContext(ctx, q, streamID, endedAt); err != nil {
		return fmt.Errorf("mark stream %s ended: %w", streamID, err)
	}
	return nil
}

// Stats summarizes stored row counts for the status endpoint.
type Stats struct {
	Streams     int64 `json:"streams"`
	LiveStreams int64 `json:"live_streams"`
	Messages    int64 `json:"messages"`
	Deletions   int64 `json:"deletions"`
	Bans        int64 `json:"bans"`
	Unbans      int64 `json:"unbans"`
}

// Statistics returns row counts across the event tables.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	var st Stats
	q := `SELECT
			(SELECT COUNT(*) FROM streams),
			(SELECT COUNT(*) FROM streams WHERE ended_at IS NULL),
			(SELECT COUNT(*) FROM chat_messages),
			(SELECT COUNT(*) FROM message_deleted_events),
			(SELECT COUNT(*) FROM user_banned_events),
			(SELECT COUNT(*) FROM user_unbanned_events)`
	err := s.DB.QueryRowContext(ctx, q).Scan(&st.Streams, &st.LiveStreams, &st.Messages, &st.Deletions, &st.Bans, &st.Unbans)
	if err != nil {
		return Stats{}, fmt.Errorf("collect statistics: %w", err)
	}
	return st, nil
}
