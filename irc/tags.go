// Package irc implements the subset of the Twitch IRC-over-WebSocket protocol
// needed to archive live chat: IRCv3 tag parsing, line classification into
// typed events, and a client that owns the connection handshake, keepalive,
// and reconnect-on-auth-failure behavior.
package irc

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// tagEscaper encodes the IRCv3 escape rules for tag values. Replacement runs
// in a single pass, so backslashes are not double-processed.
var tagEscaper = strings.NewReplacer(`\`, `\\`, ";", `\:`, " ", `\s`)

// ParseTags decodes the @key=value;key=value prefix of an IRC line into a map.
// Lines without a tag prefix yield an empty map. Keys absent from the line are
// simply absent from the map; malformed entries are skipped, never fatal.
func ParseTags(line string) map[string]string {
	tags := make(map[string]string)
	if !strings.HasPrefix(line, "@") {
		return tags
	}
	raw, _, ok := strings.Cut(line[1:], " ")
	if !ok {
		raw = line[1:]
	}
	for _, entry := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		tags[key] = UnescapeTagValue(value)
	}
	return tags
}

// UnescapeTagValue reverses the IRCv3 value escaping: `\s` becomes a space,
// `\:` a semicolon, and `\\` a backslash. A trailing lone backslash and
// unknown escapes pass through as their literal character.
func UnescapeTagValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// EscapeTagValue applies the IRCv3 value escaping so that
// UnescapeTagValue(EscapeTagValue(v)) == v for any v.
func EscapeTagValue(s string) string {
	return tagEscaper.Replace(s)
}

// tagInt parses an integer tag permissively: an absent or malformed value
// reports ok=false instead of failing the line.
func tagInt(tags map[string]string, key string) (int, bool) {
	v, ok := tags[key]
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Debug("unparseable integer tag", slog.String("key", key), slog.String("value", v))
		return 0, false
	}
	return n, true
}

// tagTimestamp parses the tmi-sent-ts tag (milliseconds since epoch). On a
// missing or malformed value it substitutes the current time so decoding
// never fails a line.
func tagTimestamp(tags map[string]string, key string) time.Time {
	v, ok := tags[key]
	if !ok || v == "" {
		return time.Now().UTC()
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("unparseable timestamp tag", slog.String("key", key), slog.String("value", v))
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
