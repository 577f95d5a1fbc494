package irc

import (
	"regexp"
	"strings"
	"time"
)

// Message is a chat message received over IRC. SessionID is empty until the
// collector resolves the live session the message belongs to.
type Message struct {
	ID             string
	ChannelID      string // broadcaster user id (room-id tag)
	Channel        string // broadcaster login, without the leading '#'
	SessionID      string
	UserID         string
	UserLogin      string
	UserName       string
	Text           string
	Color          string
	Badges         string
	Bits           int
	IsSubscriber   bool
	IsModerator    bool
	IsVIP          bool
	IsFirstMessage bool
	SentAt         time.Time
}

// Deletion records a single message removed by a moderator (CLEARMSG). The
// deleted text itself is not available over IRC.
type Deletion struct {
	ChannelID       string
	Channel         string
	SessionID       string
	TargetUserID    string
	TargetUserLogin string
	MessageID       string
	DeletedAt       time.Time
}

// Ban records a user ban or timeout (single-user CLEARCHAT). A missing
// ban-duration tag means a permanent ban. For timeouts the protocol carries
// only the duration, not an absolute expiry; the end instant is approximated
// at the persistence layer.
type Ban struct {
	ChannelID   string
	Channel     string
	SessionID   string
	UserID      string
	UserLogin   string
	IsPermanent bool
	Duration    time.Duration // zero when permanent
	BannedAt    time.Time
}

// Unban records a user unban. The IRC subset implemented here never observes
// unbans (Twitch does not signal them over IRC); the type exists so the
// storage and correlation paths handle all four event kinds uniformly.
type Unban struct {
	ChannelID  string
	Channel    string
	SessionID  string
	UserID     string
	UserLogin  string
	UnbannedAt time.Time
}

// Handler receives the typed events the client produces while listening.
// Implementations must not retain the event past the call.
type Handler interface {
	OnMessage(m *Message)
	OnDeletion(d *Deletion)
	OnBan(b *Ban)
}

var (
	privmsgPattern   = regexp.MustCompile(`PRIVMSG #(\S+) :(.*)$`)
	clearmsgPattern  = regexp.MustCompile(`CLEARMSG #(\S+)`)
	clearchatPattern = regexp.MustCompile(`CLEARCHAT #(\S+)(?: :(.+))?$`)
)

// classify inspects one inbound line and returns a *Message, *Deletion or
// *Ban, or nil for lines the collector does not record (channel-wide chat
// clears, membership noise, server numerics).
func classify(line string) any {
	switch {
	case strings.Contains(line, "PRIVMSG"):
		return classifyPrivmsg(line)
	case strings.Contains(line, "CLEARMSG"):
		return classifyClearmsg(line)
	case strings.Contains(line, "CLEARCHAT"):
		return classifyClearchat(line)
	}
	return nil
}

// decodeFailed reports whether a line carries a recorded command but could
// not be decoded. Deliberate skips (channel-wide chat clears) are not
// failures.
func decodeFailed(line string) bool {
	switch {
	case strings.Contains(line, "PRIVMSG"):
		return privmsgPattern.FindStringSubmatch(line) == nil
	case strings.Contains(line, "CLEARMSG"):
		return clearmsgPattern.FindStringSubmatch(line) == nil
	case strings.Contains(line, "CLEARCHAT"):
		return clearchatPattern.FindStringSubmatch(line) == nil
	}
	return false
}

func classifyPrivmsg(line string) *Message {
	m := privmsgPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	tags := ParseTags(line)
	badges := tags["badges"]
	login := tags["login"]
	if login == "" {
		login = strings.ToLower(tags["display-name"])
	}
	bits, _ := tagInt(tags, "bits")
	return &Message{
		ID:             tags["id"],
		ChannelID:      tags["room-id"],
		Channel:        m[1],
		UserID:         tags["user-id"],
		UserLogin:      login,
		UserName:       tags["display-name"],
		Text:           strings.TrimSpace(m[2]),
		Color:          tags["color"],
		Badges:         badges,
		Bits:           bits,
		IsSubscriber:   tags["subscriber"] == "1",
		IsModerator:    tags["mod"] == "1",
		IsVIP:          strings.Contains(badges, "vip"),
		IsFirstMessage: tags["first-msg"] == "1",
		SentAt:         tagTimestamp(tags, "tmi-sent-ts"),
	}
}

func classifyClearmsg(line string) *Deletion {
	m := clearmsgPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	tags := ParseTags(line)
	return &Deletion{
		ChannelID:       tags["room-id"],
		Channel:         m[1],
		TargetUserID:    tags["target-user-id"],
		TargetUserLogin: tags["login"],
		MessageID:       tags["target-msg-id"],
		DeletedAt:       time.Now().UTC(),
	}
}

func classifyClearchat(line string) *Ban {
	m := clearchatPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	// No trailing target user means the whole channel chat was cleared;
	// nothing to record per user.
	if m[2] == "" {
		return nil
	}
	tags := ParseTags(line)
	duration, hasDuration := tagInt(tags, "ban-duration")
	return &Ban{
		ChannelID:   tags["room-id"],
		Channel:     m[1],
		UserID:      tags["target-user-id"],
		UserLogin:   strings.TrimSpace(m[2]),
		IsPermanent: !hasDuration,
		Duration:    time.Duration(duration) * time.Second,
		BannedAt:    tagTimestamp(tags, "tmi-sent-ts"),
	}
}
