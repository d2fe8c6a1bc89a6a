package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbonthy/EaglerLink/internal/config"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/ratelimit"
	"github.com/lukasbonthy/EaglerLink/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testUpstream is an echo websocket server that records what it receives.
type testUpstream struct {
	server     *httptest.Server
	handshakes atomic.Int32
	gate       chan struct{}
	closeAfter bool

	mu        sync.Mutex
	received  []Frame
	protocols []string
	xff       string
}

func newTestUpstream(t *testing.T, gate chan struct{}) *testUpstream {
	return startUpstream(t, &testUpstream{gate: gate})
}

// newClosingUpstream accepts the handshake and immediately closes normally.
func newClosingUpstream(t *testing.T) *testUpstream {
	return startUpstream(t, &testUpstream{closeAfter: true})
}

func startUpstream(t *testing.T, u *testUpstream) *testUpstream {
	upgrader := websocket.Upgrader{Subprotocols: []string{"v2", "eagler"}}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.handshakes.Add(1)
		u.mu.Lock()
		u.protocols = websocket.Subprotocols(r)
		u.xff = r.Header.Get("X-Forwarded-For")
		u.mu.Unlock()
		if u.gate != nil {
			<-u.gate
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if u.closeAfter {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return
		}
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			u.mu.Lock()
			u.received = append(u.received, frameFromMessage(mt, p))
			u.mu.Unlock()
			if err := conn.WriteMessage(mt, p); err != nil {
				return
			}
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *testUpstream) url() string { return "ws" + strings.TrimPrefix(u.server.URL, "http") }

func (u *testUpstream) frames() []Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Frame(nil), u.received...)
}

type testRelay struct {
	server   *httptest.Server
	registry *state.Memory
	gk       *Gatekeeper
}

func newTestRelay(t *testing.T, upstream string, mutate func(*config.Config), limiter *ratelimit.UpgradeLimiter) *testRelay {
	cfg := config.Defaults()
	cfg.Upstream = upstream
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	ctx, cancel := context.WithCancel(context.Background())
	registry := state.NewMemory()
	gk := NewGatekeeper(ctx, cfg, registry, limiter)
	files := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "static")
	})
	server := httptest.NewServer(Router{Upgrades: gk, Files: files})
	t.Cleanup(func() {
		cancel()
		gk.Wait()
		server.Close()
	})
	return &testRelay{server: server, registry: registry, gk: gk}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + path
}

func (r *testRelay) dial(t *testing.T, path string, protocols ...string) *websocket.Conn {
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial(r.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// requireClosed reads until the relay drops conn; a read timeout fails the test.
func requireClosed(t *testing.T, conn *websocket.Conn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) {
			require.False(t, ne.Timeout(), "client leg was left open")
		}
		return
	}
}

func TestRelayRoundTripPreservesFrames(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)
	conn := relay.dial(t, "/")

	payloads := []Frame{
		{Payload: []byte("hello")},
		{Payload: []byte{0x00, 0x01, 0xfe, 0xff}, Binary: true},
		{Payload: []byte{}, Binary: true},
	}
	for _, f := range payloads {
		require.NoError(t, conn.WriteMessage(f.messageType(), f.Payload))
		mt, p, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, f.messageType(), mt)
		assert.Equal(t, f.Payload, p)
	}
}

func TestRelayPingBeforeUpstreamOpen(t *testing.T) {
	gate := make(chan struct{})
	up := newTestUpstream(t, gate)
	relay := newTestRelay(t, up.url(), nil, nil)
	conn := relay.dial(t, "/")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Eventually(t, func() bool {
		list := relay.registry.List()
		return len(list) == 1 && list[0].QueuedFrames == 1 && list[0].UpstreamState == "connecting"
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		list := relay.registry.List()
		return len(list) == 1 && list[0].UpstreamState == "open"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after")))

	require.Eventually(t, func() bool { return len(up.frames()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping", "after"}, texts(up.frames()))
}

func TestRelaySecretPath(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), func(c *config.Config) { c.SecretPath = "/s3cr3t" }, nil)

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := d.Dial(relay.wsURL("/"), nil)
	require.Error(t, err)
	assert.Nil(t, resp, "rejection sends no http response")
	_, _, err = d.Dial(relay.wsURL("/s3cr3t/extra"), nil)
	require.Error(t, err)

	assert.Zero(t, up.handshakes.Load(), "no upstream connection attempted")
	assert.Zero(t, relay.registry.Stats().TotalSessions, "no session created")

	conn := relay.dial(t, "/s3cr3t")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("in")))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "in", string(p))
	assert.EqualValues(t, 1, up.handshakes.Load())
}

func TestRelayRejectsForeignUpgradeToken(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)

	c, err := net.Dial("tcp", strings.TrimPrefix(relay.server.URL, "http://"))
	require.NoError(t, err)
	defer c.Close()
	_, err = fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: relay\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := io.ReadAll(c)
	require.NoError(t, err, "connection is closed, not timed out")
	assert.Empty(t, data)
	assert.Zero(t, up.handshakes.Load())
}

func TestRelayDropsIncompleteHandshake(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)

	c, err := net.Dial("tcp", strings.TrimPrefix(relay.server.URL, "http://"))
	require.NoError(t, err)
	defer c.Close()
	// right Upgrade token but no Connection header or key
	_, err = fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: relay\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := io.ReadAll(c)
	require.NoError(t, err, "connection is closed, not timed out")
	assert.Empty(t, data, "no http error is written")
	assert.Zero(t, up.handshakes.Load())
	assert.Zero(t, relay.registry.Stats().TotalSessions)
}

func TestRelayForwardsClientAddressChain(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), func(c *config.Config) { c.ForwardClientIP = true }, nil)

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial(relay.wsURL("/"), http.Header{"X-Forwarded-For": {"203.0.113.9"}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, "203.0.113.9, 127.0.0.1", up.xff)
}

func TestRelayKeepsClientAddressByDefault(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial(relay.wsURL("/"), http.Header{"X-Forwarded-For": {"203.0.113.9"}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Empty(t, up.xff)
}

func TestRelayLogsNegotiatedProtocol(t *testing.T) {
	logs := &lockedBuffer{}
	obs.SetOutput(logs)
	t.Cleanup(func() { obs.SetOutput(os.Stdout) })

	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)
	relay.dial(t, "/", "eagler", "v2")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"gatekeeper.accept"`)
	}, 2*time.Second, 5*time.Millisecond)
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"msg":"gatekeeper.accept"`) {
			assert.Contains(t, line, `"negotiated":"eagler"`)
			assert.Contains(t, line, `"protocols":["eagler","v2"]`)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stallingHijacker holds Hijack until release is closed.
type stallingHijacker struct {
	*httptest.ResponseRecorder
	entered chan struct{}
	release chan struct{}
}

func (h *stallingHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	close(h.entered)
	<-h.release
	server, client := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, client) }()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestWaitCoversUpgradeInProgress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Defaults()
	cfg.Upstream = "ws://" + dead + "/"
	gk := NewGatekeeper(context.Background(), cfg, state.NewMemory(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	hj := &stallingHijacker{
		ResponseRecorder: httptest.NewRecorder(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		gk.ServeHTTP(hj, req)
	}()
	<-hj.entered

	waited := make(chan struct{})
	go func() {
		gk.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while an upgrade was being hijacked")
	case <-time.After(50 * time.Millisecond):
	}

	close(hj.release)
	for _, ch := range []chan struct{}{served, waited} {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatal("session did not finish")
		}
	}
}

func TestRelayPlainRequestsGoToFiles(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)

	resp, err := http.Get(relay.server.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "static", string(body))
	assert.Zero(t, up.handshakes.Load())
}

func TestRelayPassesSubprotocols(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, nil)

	conn := relay.dial(t, "/", "eagler", "v2")
	assert.Equal(t, "eagler", conn.Subprotocol(), "client's first choice is selected")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, []string{"eagler", "v2"}, up.protocols)
}

func TestRelayUpstreamCloseClosesClient(t *testing.T) {
	up := newClosingUpstream(t)
	relay := newTestRelay(t, up.url(), nil, nil)
	conn := relay.dial(t, "/")

	requireClosed(t, conn)
	require.Eventually(t, func() bool { return relay.registry.Stats().Active == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, relay.registry.Stats().Teardowns[string(ReasonUpstreamClosed)])
}

func TestRelayUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	relay := newTestRelay(t, "ws://"+addr+"/", nil, nil)
	conn := relay.dial(t, "/")
	requireClosed(t, conn)
	require.Eventually(t, func() bool {
		return relay.registry.Stats().Teardowns[string(ReasonUpstreamError)] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayQueueOverflowDisconnects(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	up := newTestUpstream(t, gate)
	relay := newTestRelay(t, up.url(), func(c *config.Config) { c.QueueCeiling = 16 }, nil)
	conn := relay.dial(t, "/")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1)))
	requireClosed(t, conn)
	require.Eventually(t, func() bool {
		return relay.registry.Stats().Teardowns[string(ReasonQueueOverflow)] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, up.frames())
}

func TestRelayRateLimit(t *testing.T) {
	up := newTestUpstream(t, nil)
	relay := newTestRelay(t, up.url(), nil, ratelimit.NewUpgradeLimiter(1, 1))

	relay.dial(t, "/")
	require.Eventually(t, func() bool { return relay.registry.Stats().TotalSessions == 1 }, 2*time.Second, 5*time.Millisecond)
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, _, err := d.Dial(relay.wsURL("/"), nil)
	assert.Error(t, err)
	assert.EqualValues(t, 1, relay.registry.Stats().TotalSessions)
}

func TestRelayShutdownClosesSessions(t *testing.T) {
	up := newTestUpstream(t, nil)
	cfg := config.Defaults()
	cfg.Upstream = up.url()
	ctx, cancel := context.WithCancel(context.Background())
	registry := state.NewMemory()
	gk := NewGatekeeper(ctx, cfg, registry, nil)
	server := httptest.NewServer(gk)
	defer server.Close()

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return registry.Stats().Active == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	gk.Wait()
	requireClosed(t, conn)
	assert.EqualValues(t, 1, registry.Stats().Teardowns[string(ReasonShutdown)])
}

func TestAbortWithoutHijacker(t *testing.T) {
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort(httptest.NewRecorder())
	})
}
