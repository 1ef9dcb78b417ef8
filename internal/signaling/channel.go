package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/BioHazard786/portal/internal/events"
	"github.com/pion/webrtc/v4"
)

// Default timings of the channel.
const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultPingInterval   = 10 * time.Second
	DefaultPongTimeout    = 5 * time.Second
)

// Lifecycle events emitted next to the envelope types.
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"
)

var (
	ErrMalformedFrame = errors.New("malformed signaling frame")
	ErrPongTimeout    = errors.New("pong not received in time")
	ErrChannelClosed  = errors.New("signaling channel closed")
)

// Event is what subscribers of a Channel receive. Err is set for EventError
// and, when the transport failed, for EventClose.
type Event struct {
	Envelope
	Err error
}

// Options configures a Channel.
type Options struct {
	// URL of the signaling endpoint, e.g. ws://localhost:8080/portal.
	URL string
	// Room to join; sent as the "room" query parameter.
	Room string
	// ID requests an identity on the first connection. The server assigns
	// one when empty.
	ID string

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// Dial opens transports. Defaults to WebSocketDialer().
	Dial   DialFunc
	Logger *slog.Logger
}

// Channel is a logical, always-eventually-connected connection to the
// signaling server. Envelopes sent while disconnected are queued and flushed
// in order once a transport opens.
type Channel struct {
	endpoint *url.URL
	opts     Options
	log      *slog.Logger
	events   *events.Emitter[Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	id             string
	link           *link
	queue          []outbound
	pingCounter    int
	awaitingPong   int
	pongTimer      *time.Timer
	reconnectTimer *time.Timer
	started        bool
	closed         bool
}

type outbound struct {
	typ   string
	frame []byte
}

// link is one transport generation. Callbacks belonging to a link that is no
// longer c.link are stale and ignored.
type link struct {
	t    Transport
	done chan struct{}
	wake chan struct{}
}

func (l *link) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// NewChannel validates opts and returns an unconnected Channel.
func NewChannel(opts Options) (*Channel, error) {
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be ws or wss", opts.URL)
	}
	if opts.Room == "" {
		return nil, errors.New("room is required")
	}

	q := endpoint.Query()
	q.Set("room", opts.Room)
	endpoint.RawQuery = q.Encode()

	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.Dial == nil {
		opts.Dial = WebSocketDialer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		endpoint: endpoint,
		opts:     opts,
		log:      logger.With("component", "signaler", "room", opts.Room),
		events:   events.New[Event](),
		ctx:      ctx,
		cancel:   cancel,
		id:       opts.ID,
	}, nil
}

// Connect starts dialing in the background and starts the keepalive. It
// returns immediately; later calls are no-ops.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.keepalive()
	go c.dial()
}

// ID is the identity last assigned by the server, or the requested one.
func (c *Channel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Connected reports whether a transport is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Send enqueues an envelope for target (empty for the server itself). It
// never blocks; the error only reports encoding problems.
func (c *Channel) Send(typ string, payload any, target string) error {
	frame, err := Encode(typ, payload, target, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, outbound{typ: typ, frame: frame})
	l := c.link
	c.mu.Unlock()

	if l != nil {
		l.kick()
	}
	return nil
}

// Close tears down the transport and cancels every pending timer. The channel
// cannot be reused.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stopTimer(c.reconnectTimer)
	stopTimer(c.pongTimer)
	l := c.link
	c.link = nil
	if l != nil {
		close(l.done)
	}
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		return l.t.Close()
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Channel) endpointURL() string {
	u := *c.endpoint
	if c.id != "" {
		q := u.Query()
		q.Set("id", c.id)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Channel) dial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	target := c.endpointURL()
	c.mu.Unlock()

	c.log.Debug("connect", "url", target)
	t, err := c.opts.Dial(c.ctx, target)
	if err != nil {
		c.emit(EventError, Event{Err: err})
		c.scheduleReconnect()
		c.emit(EventClose, Event{Err: err})
		return
	}

	l := &link{t: t, done: make(chan struct{}), wake: make(chan struct{}, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.link = l
	c.mu.Unlock()

	c.log.Debug("signaler@open")
	go c.writeLoop(l)
	l.kick()
	c.emit(EventOpen, Event{})
	c.readLoop(l)
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	stopTimer(c.reconnectTimer)
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.log.Debug("signaler reconnecting")
		c.dial()
	})
}

// writeLoop drains the queue one frame at a time while l is current. A frame
// that fails to write goes back to the head of the queue and the loop stops.
// The link is left to the reader and the keepalive, which close it.
func (c *Channel) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			c.mu.Lock()
			if c.link != l {
				c.mu.Unlock()
				return
			}
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			out := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := l.t.WriteMessage(out.frame); err != nil {
				c.mu.Lock()
				c.queue = append([]outbound{out}, c.queue...)
				c.mu.Unlock()
				c.emit(EventError, Event{Err: err})
				return
			}
		}
	}
}

func (c *Channel) readLoop(l *link) {
	for {
		data, err := l.t.ReadMessage()
		if errors.Is(err, ErrUnexpectedFrame) {
			c.emit(EventError, Event{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)})
			continue
		}
		if err != nil {
			c.handleClose(l, err)
			return
		}
		if !c.current(l) {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.emit(EventError, Event{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)})
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) current(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == l
}

func (c *Channel) handleClose(l *link, err error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	close(l.done)
	stopTimer(c.pongTimer)
	c.awaitingPong = 0
	// Pings still queued belong to this link's keepalive.
	c.queue = slices.DeleteFunc(c.queue, func(out outbound) bool { return out.typ == TypePing })
	c.mu.Unlock()

	l.t.Close()
	c.log.Debug("socket@close", "err", err)
	c.scheduleReconnect()
	c.emit(EventClose, Event{Err: err})
}

func (c *Channel) dispatch(env Envelope) {
	c.log.Debug("signaler@" + env.Type)

	switch env.Type {
	case TypeInfo:
		var info InfoSignal
		if err := env.Decode(&info); err == nil && info.ID != "" {
			c.mu.Lock()
			c.id = info.ID
			c.mu.Unlock()
		}

	case TypePong:
		var n int
		if err := env.Decode(&n); err == nil {
			c.mu.Lock()
			if n != 0 && n == c.awaitingPong {
				c.awaitingPong = 0
				stopTimer(c.pongTimer)
			}
			c.mu.Unlock()
		}

	case TypeError:
		var sig ErrorSignal
		if err := env.Decode(&sig); err != nil {
			c.emit(EventError, Event{Envelope: env, Err: err})
			return
		}
		c.emit(EventError, Event{Envelope: env, Err: &ServerError{Code: sig.Code}})
		return
	}

	c.emit(env.Type, Event{Envelope: env})
}

func (c *Channel) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.ping()
		}
	}
}

func (c *Channel) ping() {
	c.mu.Lock()
	l := c.link
	// An outstanding ping keeps its own deadline.
	if l == nil || c.closed || c.awaitingPong != 0 {
		c.mu.Unlock()
		return
	}
	c.pingCounter++
	n := c.pingCounter
	c.awaitingPong = n
	c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() { c.pongTimeout(l, n) })
	c.mu.Unlock()

	c.Send(TypePing, n, "")
}

func (c *Channel) pongTimeout(l *link, n int) {
	c.mu.Lock()
	stale := c.link != l || c.awaitingPong != n
	c.mu.Unlock()
	if stale {
		return
	}

	c.log.Warn("signaling channel unresponsive, reconnecting", "ping", n)
	c.emit(EventError, Event{Err: ErrPongTimeout})
	// Closing the transport fails the pending read, which reconnects.
	l.t.Close()
}

func (c *Channel) emit(name string, ev Event) {
	if name == EventError {
		c.log.Debug("socket@error", "err", ev.Err)
	}
	c.events.Emit(name, ev)
}

// On subscribes to raw envelopes of type typ, or to a lifecycle event.
func (c *Channel) On(typ string, fn func(Event)) func() {
	return c.events.On(typ, fn)
}

// OnOpen is called each time a transport opens.
func (c *Channel) OnOpen(fn func()) func() {
	return c.events.On(EventOpen, func(Event) { fn() })
}

// OnClose is called each time a transport closes or a dial fails.
func (c *Channel) OnClose(fn func(error)) func() {
	return c.events.On(EventClose, func(ev Event) { fn(ev.Err) })
}

// OnError receives transport errors, malformed frames and server errors
// (as *ServerError).
func (c *Channel) OnError(fn func(error)) func() {
	return c.events.On(EventError, func(ev Event) { fn(ev.Err) })
}

// OnInfo receives every roster update.
func (c *Channel) OnInfo(fn func(InfoSignal)) func() {
	return c.events.On(TypeInfo, func(ev Event) {
		var info InfoSignal
		if err := ev.Decode(&info); err != nil {
			c.emit(EventError, Event{Envelope: ev.Envelope, Err: err})
			return
		}
		fn(info)
	})
}

// OnDescription receives session descriptions relayed from other members.
func (c *Channel) OnDescription(fn func(desc webrtc.SessionDescription, from string)) func() {
	return c.events.On(TypeDescription, func(ev Event) {
		var desc webrtc.SessionDescription
		if err := ev.Decode(&desc); err != nil {
			c.emit(EventError, Event{Envelope: ev.Envelope, Err: err})
			return
		}
		fn(desc, ev.From)
	})
}

// OnCandidate receives ICE candidates relayed from other members. A nil
// candidate marks the end of candidates.
func (c *Channel) OnCandidate(fn func(candidate *webrtc.ICECandidateInit, from string)) func() {
	return c.events.On(TypeCandidate, func(ev Event) {
		var candidate *webrtc.ICECandidateInit
		if err := ev.Decode(&candidate); err != nil {
			c.emit(EventError, Event{Envelope: ev.Envelope, Err: err})
			return
		}
		fn(candidate, ev.From)
	})
}
