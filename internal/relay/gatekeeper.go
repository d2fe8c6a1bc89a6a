package relay

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbonthy/EaglerLink/internal/config"
	"github.com/lukasbonthy/EaglerLink/internal/httpx"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/ratelimit"
	"github.com/pkg/errors"
)

// Gatekeeper accepts or rejects websocket upgrades and runs a Session for
// every accepted one. Rejected attempts have their transport closed without
// any response.
type Gatekeeper struct {
	cfg      config.Config
	base     context.Context
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	limiter  *ratelimit.UpgradeLimiter
	registry Registry
	sessions sync.WaitGroup
}

var _ http.Handler = (*Gatekeeper)(nil)

// NewGatekeeper returns a Gatekeeper relaying to cfg.Upstream. Sessions are
// torn down when ctx is cancelled. registry and limiter may be nil.
func NewGatekeeper(ctx context.Context, cfg config.Config, registry Registry, limiter *ratelimit.UpgradeLimiter) *Gatekeeper {
	return &Gatekeeper{
		cfg:  cfg,
		base: ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			Error: func(w http.ResponseWriter, _ *http.Request, _ int, _ error) {
				abort(w)
			},
		},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter:  limiter,
		registry: registry,
	}
}

func (g *Gatekeeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remote := httpx.RemoteIdentity(r)
	if reason := g.check(r, remote); reason != "" {
		obs.Info("gatekeeper.reject", obs.Fields{"remote": remote, "path": r.URL.Path, "reason": reason})
		obs.UpgradesRejectedTotal.WithLabelValues(reason).Inc()
		abort(w)
		return
	}

	// counted before the hijack, while Shutdown still tracks the connection
	g.sessions.Add(1)
	defer g.sessions.Done()

	protocols := httpx.Subprotocols(r.Header)
	upgrader := g.upgrader
	upgrader.Subprotocols = protocols
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the transport was already dropped by upgrader.Error
		obs.Error("gatekeeper.upgrade", obs.Fields{"remote": remote, "path": r.URL.Path, "err": err.Error()})
		obs.UpgradesRejectedTotal.WithLabelValues("handshake").Inc()
		return
	}

	id := uuid.NewString()
	obs.Info("gatekeeper.accept", obs.Fields{
		"id":         id,
		"remote":     remote,
		"path":       r.URL.Path,
		"protocols":  protocols,
		"negotiated": conn.Subprotocol(),
	})

	sess := NewSession(conn, SessionOptions{
		ID:               id,
		Remote:           remote,
		Path:             r.URL.Path,
		Protocols:        protocols,
		QueueCeiling:     g.cfg.QueueCeiling,
		HandshakeTimeout: g.cfg.HandshakeTimeout,
		WriteTimeout:     g.cfg.WriteTimeout,
		Dial:             g.dialFunc(protocols, r),
		Registry:         g.registry,
	})
	sess.Run(g.base)
}

// check returns the rejection reason for r, or "" when it may be upgraded.
func (g *Gatekeeper) check(r *http.Request, remote string) string {
	if !httpx.IsUpgrade(r, httpx.WebSocketToken) {
		return "bad upgrade header"
	}
	if g.cfg.SecretPath != "" && r.URL.Path != g.cfg.SecretPath {
		return "secret path mismatch"
	}
	if !g.limiter.AllowUpgrade(remote) {
		return "rate limited"
	}
	return ""
}

// dialFunc dials the upstream for the client request r. With ForwardClientIP
// the upstream sees the client's X-Forwarded-For chain extended by the peer
// address of r.
func (g *Gatekeeper) dialFunc(protocols []string, r *http.Request) DialFunc {
	header := http.Header{}
	if g.cfg.ForwardClientIP {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			header.Set("X-Forwarded-For", strings.Join(prior, ", "))
		}
		httpx.AugmentXFF(header, httpx.RemoteIPFromAddr(r.RemoteAddr))
	}
	return func(ctx context.Context) (Conn, error) {
		dialer := g.dialer
		dialer.Subprotocols = protocols
		conn, resp, err := dialer.DialContext(ctx, g.cfg.Upstream, header)
		if err != nil {
			if resp != nil {
				return nil, errors.Wrapf(err, "upstream answered %d", resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	}
}

// Wait blocks until every running session has finished. Call it after
// cancelling the context given to NewGatekeeper.
func (g *Gatekeeper) Wait() { g.sessions.Wait() }

// abort drops the underlying connection without writing a response.
func abort(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}
