package irc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
)

var testUpgrader = websocket.Upgrader{}

// startServer runs a WebSocket endpoint driven by handler and returns its
// ws:// URL.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readHandshake consumes frames until the NICK line and returns the PASS
// credential.
func readHandshake(conn *websocket.Conn) (pass string, ok bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", false
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if v, found := strings.CutPrefix(line, "PASS "); found {
				pass = v
			}
			if strings.HasPrefix(line, "NICK ") {
				return pass, true
			}
		}
	}
}

func writeLine(conn *websocket.Conn, line string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

const welcomeLine = ":tmi.twitch.tv 001 justinfan12345 :Welcome, GLHF!"
const authFailedLine = ":tmi.twitch.tv NOTICE * :Login authentication failed"

// drainUntilClose keeps the server side open so the client controls shutdown.
func drainUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type captureHandler struct {
	messages  chan *Message
	deletions chan *Deletion
	bans      chan *Ban
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		messages:  make(chan *Message, 16),
		deletions: make(chan *Deletion, 16),
		bans:      make(chan *Ban, 16),
	}
}

func (h *captureHandler) OnMessage(m *Message) {
	h.messages <- m
}

func (h *captureHandler) OnDeletion(d *Deletion) {
	h.deletions <- d
}

func (h *captureHandler) OnBan(b *Ban) {
	h.bans <- b
}

type stubRefresher struct {
	token string
	err   error
	calls atomic.Int32
}

func (r *stubRefresher) RefreshAccessToken(ctx context.Context) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return r.token, nil
}

func TestConnectHandshake(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		pass, ok := readHandshake(conn)
		if !ok {
			return
		}
		if pass != "oauth:good-token" {
			writeLine(conn, authFailedLine)
			return
		}
		writeLine(conn, welcomeLine)
		drainUntilClose(conn)
	})

	c := NewClient("good-token", nil)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if got := c.State(); got != StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

func TestConnectAnswersPingDuringHandshake(t *testing.T) {
	gotPong := make(chan string, 1)
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, "PING :tmi.twitch.tv")
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotPong <- strings.TrimSpace(string(data))
		writeLine(conn, welcomeLine)
		drainUntilClose(conn)
	})

	c := NewClient("good-token", nil)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	select {
	case pong := <-gotPong:
		if pong != "PONG :tmi.twitch.tv" {
			t.Errorf("pong = %q, want same payload echoed", pong)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received during handshake")
	}
}

func TestConnectAuthFailureWithoutRefresher(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, authFailedLine)
		drainUntilClose(conn)
	})

	c := NewClient("expired", nil)
	c.URL = url
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthenticationFailed", err)
	}
	if got := c.State(); got != StateFaulted {
		t.Errorf("state = %v, want faulted", got)
	}
}

func TestConnectAuthFailureTriggersRefresh(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		pass, ok := readHandshake(conn)
		if !ok {
			return
		}
		if pass == "oauth:fresh-token" {
			writeLine(conn, welcomeLine)
			drainUntilClose(conn)
			return
		}
		writeLine(conn, authFailedLine)
		drainUntilClose(conn)
	})

	ref := &stubRefresher{token: "fresh-token"}
	c := NewClient("expired", nil)
	c.URL = url
	c.Refresher = ref

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("Connect error = %v, want ErrReconnectRequired", err)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresher called %d times, want 1", got)
	}
	if got := c.AccessToken(); got != "fresh-token" {
		t.Errorf("AccessToken = %q after refresh", got)
	}

	// Reconnecting uses the refreshed token and succeeds.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	c.Close()
}

func TestConnectRefreshFailureIsFatal(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, authFailedLine)
		drainUntilClose(conn)
	})

	refreshErr := errors.New("refresh token revoked")
	c := NewClient("expired", nil)
	c.URL = url
	c.Refresher = &stubRefresher{err: refreshErr}

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Connect error = %v, want wrapped ErrAuthenticationFailed", err)
	}
	if !errors.Is(err, refreshErr) {
		t.Errorf("refresh cause not preserved in %v", err)
	}
	if got := c.State(); got != StateFaulted {
		t.Errorf("state = %v, want faulted", got)
	}
}

func TestJoinChannelsIdempotent(t *testing.T) {
	joins := make(chan string, 16)
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, welcomeLine)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range strings.Split(string(data), "\r\n") {
				if strings.HasPrefix(line, "JOIN ") {
					joins <- line
				}
			}
		}
	})

	c := NewClient("good-token", nil)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// Mixed case and '#' prefixes collapse to one join per channel.
	if err := c.JoinChannels([]string{"#SomeStreamer", "somestreamer", "Other", ""}); err != nil {
		t.Fatalf("JoinChannels: %v", err)
	}
	if err := c.JoinChannels([]string{"somestreamer"}); err != nil {
		t.Fatalf("repeat JoinChannels: %v", err)
	}
	if got := c.JoinedCount(); got != 2 {
		t.Errorf("JoinedCount = %d, want 2", got)
	}

	var lines []string
	timeout := time.After(2 * time.Second)
	for len(lines) < 2 {
		select {
		case l := <-joins:
			lines = append(lines, l)
		case <-timeout:
			t.Fatalf("received joins %v, want 2", lines)
		}
	}
	select {
	case l := <-joins:
		t.Fatalf("unexpected extra join %q", l)
	case <-time.After(100 * time.Millisecond):
	}
	if lines[0] != "JOIN #somestreamer" || lines[1] != "JOIN #other" {
		t.Errorf("joins = %v", lines)
	}
}

func TestJoinBeforeConnect(t *testing.T) {
	c := NewClient("token", nil)
	if err := c.JoinChannels([]string{"chan"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("JoinChannels before connect = %v, want ErrNotConnected", err)
	}
}

func TestListenDispatchesAndAnswersPing(t *testing.T) {
	pongs := make(chan string, 1)
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, welcomeLine)
		// Two lines in one frame, then a keepalive ping.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			samplePrivmsg+"\r\n"+
				`@room-id=100;target-user-id=200 :tmi.twitch.tv CLEARCHAT #somestreamer :chatter`+"\r\n"))
		writeLine(conn, "PING :keepalive-payload")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if s := strings.TrimSpace(string(data)); strings.HasPrefix(s, "PONG") {
				select {
				case pongs <- s:
				default:
				}
			}
		}
	})

	handler := newCaptureHandler()
	c := NewClient("good-token", handler)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	listenDone := make(chan error, 1)
	go func() { listenDone <- c.Listen(ctx) }()

	select {
	case m := <-handler.messages:
		if m.ID != "msg-uuid-1" {
			t.Errorf("message id = %q", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message dispatched")
	}
	select {
	case b := <-handler.bans:
		if !b.IsPermanent {
			t.Errorf("ban should be permanent without duration tag")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ban dispatched")
	}
	select {
	case pong := <-pongs:
		if pong != "PONG :keepalive-payload" {
			t.Errorf("pong = %q, want payload echoed", pong)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong sent")
	}

	// Cancellation is a normal exit.
	cancel()
	select {
	case err := <-listenDone:
		if err != nil {
			t.Errorf("Listen returned %v on cancellation, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestListenSkipsUndecodableLine(t *testing.T) {
	telemetry.Init()
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, welcomeLine)
		// A garbled PRIVMSG, then a well-formed one.
		writeLine(conn, "@id=x :tmi.twitch.tv PRIVMSG")
		writeLine(conn, samplePrivmsg)
		drainUntilClose(conn)
	})

	before := promtestutil.ToFloat64(telemetry.DecodeFailures)

	handler := newCaptureHandler()
	c := NewClient("good-token", handler)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenDone := make(chan error, 1)
	go func() { listenDone <- c.Listen(ctx) }()

	select {
	case m := <-handler.messages:
		if m.ID != "msg-uuid-1" {
			t.Errorf("message id = %q", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed line not dispatched after a garbled one")
	}
	select {
	case m := <-handler.messages:
		t.Fatalf("garbled line produced an event: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
	if got := promtestutil.ToFloat64(telemetry.DecodeFailures) - before; got != 1 {
		t.Errorf("decode failures delta = %v, want 1", got)
	}

	cancel()
	select {
	case <-listenDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestListenReportsTransportLoss(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, welcomeLine)
		// Drop the connection abruptly mid-listen.
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	})

	c := NewClient("good-token", newCaptureHandler())
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := c.Listen(context.Background())
	if err == nil {
		t.Fatal("Listen returned nil after abrupt transport loss")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if _, ok := readHandshake(conn); !ok {
			return
		}
		writeLine(conn, welcomeLine)
		drainUntilClose(conn)
	})
	c := NewClient("good-token", nil)
	c.URL = url
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}
