package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
)

// DefaultServerURL is the Twitch IRC WebSocket endpoint.
const DefaultServerURL = "wss://irc-ws.chat.twitch.tv:443"

// anonymousNick is the fixed read-only identity sent after the credential
// line. Twitch accepts any justinfan nick for anonymous chat reads, but the
// PASS line must still carry a valid token for tag delivery.
const anonymousNick = "justinfan12345"

const defaultHandshakeTimeout = 10 * time.Second

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateListening
	StateClosing
	StateClosed
	// StateFaulted is terminal: authentication failed and the token could
	// not be refreshed. Re-authorization is required out of band.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

var (
	// ErrReconnectRequired signals that the access token was refreshed after
	// the server rejected the previous one. The connection is closed; the
	// caller should reconnect, which will use the new token. This is not a
	// fatal condition.
	ErrReconnectRequired = errors.New("token refreshed, reconnect required")

	// ErrAuthenticationFailed means the server rejected the credential and
	// no refresh was possible. Re-authorization is required.
	ErrAuthenticationFailed = errors.New("login authentication failed")

	// ErrNotConnected is returned by operations that require a completed
	// handshake.
	ErrNotConnected = errors.New("not connected")
)

// TokenRefresher obtains a replacement access token after the server rejects
// the current one. Implementations decide where the refresh token lives and
// how the new pair is persisted.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// Client is a read-only Twitch IRC client over a WebSocket transport.
// Configure the exported fields before Connect; they must not be changed
// afterwards.
type Client struct {
	// URL overrides the server endpoint, mainly for tests.
	URL string
	// Refresher, when set, is consulted once per connect attempt if the
	// server reports an authentication failure during the handshake.
	Refresher TokenRefresher
	// Handler receives classified events during Listen.
	Handler Handler
	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer
	// HandshakeTimeout bounds the time from transport connect to the
	// welcome line. Defaults to 10s.
	HandshakeTimeout time.Duration

	accessToken string

	state atomic.Int32

	mu      sync.Mutex // guards conn writes and the joined set
	conn    *websocket.Conn
	joined  map[string]struct{}
	closing bool

	// buffered lines left over from a frame read during the handshake
	pending []string
}

// NewClient returns a client that will authenticate with the given bare
// access token (the oauth: prefix is added on the wire).
func NewClient(accessToken string, handler Handler) *Client {
	return &Client{
		Handler:     handler,
		accessToken: accessToken,
		joined:      make(map[string]struct{}),
	}
}

// AccessToken returns the token the client currently holds. It differs from
// the constructor argument after a handshake-triggered refresh.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// State reports the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Connect dials the server and drives the authentication handshake:
// capability request, credential line, anonymous identity, then reads until
// the welcome marker. On an authentication-failure notice it attempts a token
// refresh (when a Refresher is attached) and returns ErrReconnectRequired on
// success. The connection is closed on every error path.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	serverURL := c.URL
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.pending = nil
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	if err := c.authenticate(ctx); err != nil {
		c.teardown()
		return err
	}
	c.setState(StateReady)
	slog.Info("irc handshake complete")
	return nil
}

// authenticate sends the three handshake lines in the required order and
// reads until a welcome or failure line. The order is mandated by the
// protocol: capabilities, then PASS, then NICK.
func (c *Client) authenticate(ctx context.Context) error {
	c.setState(StateAuthenticating)

	timeout := c.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	// The wire credential carries the oauth: prefix; the bare token is used
	// only for HTTP validation and refresh.
	if err := c.send("CAP REQ :twitch.tv/tags twitch.tv/commands"); err != nil {
		return err
	}
	if err := c.send("PASS oauth:" + c.AccessToken()); err != nil {
		return err
	}
	if err := c.send("NICK " + anonymousNick); err != nil {
		return err
	}

	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return fmt.Errorf("handshake timed out after %s: %w", timeout, err)
			}
			return fmt.Errorf("handshake read: %w", err)
		}
		slog.Debug("handshake line", slog.String("line", line))

		if strings.HasPrefix(line, "PING") {
			if err := c.send(strings.Replace(line, "PING", "PONG", 1)); err != nil {
				return err
			}
			continue
		}
		if strings.Contains(line, " 001 ") || strings.Contains(line, "Welcome") {
			return nil
		}
		if strings.Contains(line, "NOTICE") && strings.Contains(line, "Login authentication failed") {
			return c.handleAuthFailure(ctx)
		}
	}
}

// handleAuthFailure runs the refresh-then-reconnect path. A successful
// refresh is reported as ErrReconnectRequired so the caller rebuilds the
// connection with the new token; a failed or impossible refresh is fatal.
func (c *Client) handleAuthFailure(ctx context.Context) error {
	if c.Refresher == nil {
		c.setState(StateFaulted)
		return ErrAuthenticationFailed
	}
	slog.Warn("irc authentication failed, attempting token refresh")
	newToken, err := c.Refresher.RefreshAccessToken(ctx)
	if err != nil {
		c.setState(StateFaulted)
		return fmt.Errorf("%w: refresh failed: %w", ErrAuthenticationFailed, err)
	}
	c.mu.Lock()
	c.accessToken = newToken
	c.mu.Unlock()
	slog.Info("token refreshed after auth failure, reconnect required")
	return ErrReconnectRequired
}

// JoinChannels issues a JOIN for each channel not already joined. Names are
// case-normalized and prefixed with '#'; joining a joined channel is a no-op.
func (c *Client) JoinChannels(channels []string) error {
	if s := c.State(); s != StateReady && s != StateListening {
		return ErrNotConnected
	}
	for _, ch := range channels {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if name == "" {
			continue
		}
		c.mu.Lock()
		_, already := c.joined[name]
		if !already {
			c.joined[name] = struct{}{}
		}
		c.mu.Unlock()
		if already {
			slog.Debug("already joined", slog.String("channel", name))
			continue
		}
		if err := c.send("JOIN #" + name); err != nil {
			c.mu.Lock()
			delete(c.joined, name)
			c.mu.Unlock()
			return fmt.Errorf("join #%s: %w", name, err)
		}
		slog.Info("joined channel", slog.String("channel", name))
	}
	return nil
}

// JoinedCount reports the number of channels currently joined.
func (c *Client) JoinedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined)
}

// Listen blocks reading lines until the connection closes or ctx is
// cancelled. Server pings are answered with a pong carrying the same payload;
// every other line is classified and dispatched to the Handler. A close
// caused by Close or ctx cancellation is a normal exit and returns nil.
func (c *Client) Listen(ctx context.Context) error {
	if s := c.State(); s != StateReady && s != StateListening {
		return ErrNotConnected
	}
	c.setState(StateListening)

	// Unblock the read loop when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		line, err := c.readLine()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("irc connection closed")
				c.setState(StateClosed)
				return nil
			}
			c.setState(StateDisconnected)
			return fmt.Errorf("read: %w", err)
		}
		c.handleLine(line)
	}
}

func (c *Client) handleLine(line string) {
	if strings.HasPrefix(line, "PING") {
		if err := c.send(strings.Replace(line, "PING", "PONG", 1)); err != nil {
			slog.Warn("pong send failed", slog.Any("err", err))
		}
		return
	}
	if c.Handler == nil {
		return
	}
	switch ev := classify(line).(type) {
	case *Message:
		c.Handler.OnMessage(ev)
	case *Deletion:
		c.Handler.OnDeletion(ev)
	case *Ban:
		c.Handler.OnBan(ev)
	case nil:
		if decodeFailed(line) {
			telemetry.Inc(telemetry.DecodeFailures)
			slog.Warn("undecodable line, skipping", slog.String("line", truncate(line, 120)))
			return
		}
		slog.Debug("unhandled line", slog.String("line", truncate(line, 120)))
	}
}

// Close shuts the connection down. Safe to call from any goroutine and more
// than once; a concurrent Listen unblocks and returns nil.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.setState(StateClosing)
	c.closing = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
	c.setState(StateClosed)
}

// teardown closes the transport after a failed handshake without clobbering
// a terminal state already set by the failure path.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if c.State() != StateFaulted {
		c.setState(StateDisconnected)
	}
}

// send writes one line. WebSocket writes must be serialized; both the listen
// loop (pongs) and callers (joins) go through here.
func (c *Client) send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// readLine returns the next IRC line. A single WebSocket frame may carry
// several CRLF-separated lines; surplus lines are buffered.
func (c *Client) readLine() (string, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return line, nil
		}
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return "", ErrNotConnected
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		var lines []string
		for _, l := range strings.Split(string(data), "\r\n") {
			if strings.TrimSpace(l) != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) == 0 {
			continue
		}
		c.mu.Lock()
		c.pending = append(c.pending, lines[1:]...)
		c.mu.Unlock()
		return lines[0], nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
