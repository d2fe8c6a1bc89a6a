package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/proto"
	"github.com/pkg/errors"
)

// Reason names why a session was torn down.
type Reason string

const (
	ReasonClientClosed        Reason = "client closed"
	ReasonUpstreamClosed      Reason = "upstream closed"
	ReasonClientError         Reason = "client error"
	ReasonUpstreamError       Reason = "upstream error"
	ReasonQueueOverflow       Reason = "queue overflow"
	ReasonUpstreamUnavailable Reason = "upstream not available"
	ReasonShutdown            Reason = "shutdown"
)

// Registry receives session lifecycle updates. state.Store implements it.
type Registry interface {
	Add(rec proto.SessionRecord) error
	Update(id string, u proto.SessionUpdate)
	Remove(id string, reason string) bool
}

// DialFunc opens the upstream leg. It must give up when ctx is done.
type DialFunc func(ctx context.Context) (Conn, error)

// SessionOptions configures a Session.
type SessionOptions struct {
	ID               string
	Remote           string
	Path             string
	Protocols        []string
	QueueCeiling     int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dial             DialFunc
	Registry         Registry
}

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evClose
	evError
)

type event struct {
	side  legSide
	kind  eventKind
	frame Frame
	conn  Conn
	err   error
}

type handlerKey struct {
	side legSide
	kind eventKind
}

// handlers is the dispatch table of the session loop. An event without an
// entry is ignored.
var handlers = map[handlerKey]func(*Session, event){
	{sideClient, evMessage}:   (*Session).onClientMessage,
	{sideClient, evClose}:     (*Session).onClientClose,
	{sideClient, evError}:     (*Session).onClientError,
	{sideUpstream, evOpen}:    (*Session).onUpstreamOpen,
	{sideUpstream, evMessage}: (*Session).onUpstreamMessage,
	{sideUpstream, evClose}:   (*Session).onUpstreamClose,
	{sideUpstream, evError}:   (*Session).onUpstreamError,
}

// Session relays one accepted client to the upstream.
type Session struct {
	opts     SessionOptions
	client   *leg
	upstream *leg
	queue    *pendingQueue
	events   chan event
	dead     chan struct{}
	cancel   context.CancelFunc
	created  time.Time
	opened   time.Time
	finished bool
	reason   Reason
}

// NewSession binds an already upgraded client connection to a new session.
// The upstream leg starts connecting when Run is called.
func NewSession(client Conn, opts SessionOptions) *Session {
	return &Session{
		opts:     opts,
		client:   newLeg(sideClient, client, StateOpen, opts.WriteTimeout),
		upstream: newLeg(sideUpstream, nil, StateConnecting, opts.WriteTimeout),
		queue:    newPendingQueue(opts.QueueCeiling),
		// unbuffered: a post either reaches the loop or sees the session dead
		events:  make(chan event),
		dead:    make(chan struct{}),
		created: time.Now(),
	}
}

func (s *Session) ID() string { return s.opts.ID }

// Run dials the upstream and processes events until the session is torn down.
// Cancelling ctx tears the session down with ReasonShutdown.
func (s *Session) Run(ctx context.Context) Reason {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.opts.Registry != nil {
		rec := proto.SessionRecord{
			ID:            s.opts.ID,
			Remote:        s.opts.Remote,
			Path:          s.opts.Path,
			Protocols:     s.opts.Protocols,
			Negotiated:    s.client.protocol(),
			UpstreamState: StateConnecting.String(),
			Created:       s.created,
		}
		if err := s.opts.Registry.Add(rec); err != nil {
			obs.Error("session.register", obs.Fields{"id": s.opts.ID, "err": err.Error()})
		}
	}

	go s.readLoop(s.client)
	go s.dialUpstream(ctx)

	for !s.finished {
		select {
		case ev := <-s.events:
			if h, ok := handlers[handlerKey{ev.side, ev.kind}]; ok {
				h(s, ev)
			}
		case <-ctx.Done():
			s.teardown(ReasonShutdown, nil)
		}
	}
	return s.reason
}

// post hands ev to the session loop. It reports false once the session is dead.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.dead:
		return false
	}
}

func (s *Session) dialUpstream(ctx context.Context) {
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}
	conn, err := s.opts.Dial(ctx)
	if err != nil {
		s.post(event{side: sideUpstream, kind: evError, err: errors.Wrap(err, "dial upstream")})
		return
	}
	if !s.post(event{side: sideUpstream, kind: evOpen, conn: conn}) {
		_ = conn.Close()
	}
}

func (s *Session) readLoop(l *leg) {
	for {
		mt, payload, err := l.conn.ReadMessage()
		if err != nil {
			kind := evError
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				kind = evClose
			}
			s.post(event{side: l.side, kind: kind, err: err})
			return
		}
		if !s.post(event{side: l.side, kind: evMessage, frame: frameFromMessage(mt, payload)}) {
			return
		}
	}
}

func (s *Session) onClientMessage(ev event) {
	switch s.upstream.State() {
	case StateOpen:
		if err := s.upstream.send(ev.frame); err != nil {
			s.teardown(ReasonUpstreamError, errors.Wrap(err, "forward to upstream"))
			return
		}
		obs.FramesForwardedTotal.WithLabelValues("client_to_upstream").Inc()
	case StateConnecting:
		if err := s.queue.push(ev.frame); err != nil {
			s.teardown(ReasonQueueOverflow, errors.Wrapf(err, "%d bytes queued, ceiling %d", s.queue.bytes, s.queue.ceiling))
			return
		}
		s.publish()
	default:
		s.teardown(ReasonUpstreamUnavailable, ErrUpstreamUnavailable)
	}
}

func (s *Session) onUpstreamOpen(ev event) {
	s.upstream.open(ev.conn)
	s.opened = time.Now()
	replayed, err := s.queue.drain(s.upstream.send)
	if err != nil {
		s.teardown(ReasonUpstreamError, errors.Wrap(err, "replay pending frames"))
		return
	}
	obs.UpstreamOpenTotal.Inc()
	obs.PendingFramesReplayed.Add(float64(replayed))
	obs.Info("session.upstream_open", obs.Fields{
		"id":       s.opts.ID,
		"remote":   s.opts.Remote,
		"protocol": s.upstream.protocol(),
		"replayed": replayed,
		"wait_ms":  s.opened.Sub(s.created).Milliseconds(),
	})
	s.publish()
	go s.readLoop(s.upstream)
}

func (s *Session) onUpstreamMessage(ev event) {
	if s.client.State() != StateOpen {
		return
	}
	if err := s.client.send(ev.frame); err != nil {
		s.teardown(ReasonClientError, errors.Wrap(err, "forward to client"))
		return
	}
	obs.FramesForwardedTotal.WithLabelValues("upstream_to_client").Inc()
}

func (s *Session) onClientClose(ev event)   { s.teardown(ReasonClientClosed, ev.err) }
func (s *Session) onClientError(ev event)   { s.teardown(ReasonClientError, ev.err) }
func (s *Session) onUpstreamClose(ev event) { s.teardown(ReasonUpstreamClosed, ev.err) }
func (s *Session) onUpstreamError(ev event) { s.teardown(ReasonUpstreamError, ev.err) }

func (s *Session) publish() {
	if s.opts.Registry == nil {
		return
	}
	s.opts.Registry.Update(s.opts.ID, proto.SessionUpdate{
		UpstreamState: s.upstream.State().String(),
		Negotiated:    s.client.protocol(),
		QueuedBytes:   s.queue.bytes,
		QueuedFrames:  s.queue.len(),
		UpstreamOpen:  s.opened,
	})
}

// teardown closes both legs and releases the session. Only the first call
// has any effect.
func (s *Session) teardown(reason Reason, cause error) {
	if s.finished {
		return
	}
	s.finished = true
	s.reason = reason
	s.cancel()
	s.client.terminate()
	s.upstream.terminate()
	s.queue.reset()
	close(s.dead)

	fields := obs.Fields{
		"id":          s.opts.ID,
		"remote":      s.opts.Remote,
		"reason":      string(reason),
		"duration_ms": time.Since(s.created).Milliseconds(),
	}
	if cause != nil {
		fields["err"] = cause.Error()
	}
	switch reason {
	case ReasonClientClosed, ReasonUpstreamClosed, ReasonShutdown:
		obs.Info("session.teardown", fields)
	case ReasonQueueOverflow:
		obs.Warn("session.teardown", fields)
	default:
		obs.Error("session.teardown", fields)
	}
	obs.TeardownsTotal.WithLabelValues(string(reason)).Inc()
	obs.SessionDurationSeconds.Observe(time.Since(s.created).Seconds())
	if s.opts.Registry != nil {
		s.opts.Registry.Remove(s.opts.ID, string(reason))
	}
}
