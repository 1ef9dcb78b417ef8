// Package room keeps one negotiator per member of the room the signaling
// channel is in.
package room

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/BioHazard786/portal/internal/events"
	"github.com/BioHazard786/portal/internal/rtc"
	"github.com/BioHazard786/portal/internal/signaling"
)

// Channel is the part of *signaling.Channel the room client uses.
type Channel interface {
	rtc.Signaler
	OnInfo(fn func(signaling.InfoSignal)) func()
	OnError(fn func(error)) func()
}

// PeerFactory creates the negotiator for a newly announced member.
type PeerFactory func(member signaling.RoomMember) (*rtc.Negotiator, error)

const (
	eventConnection    = "connection"
	eventDisconnection = "disconnection"
	eventInfo          = "info"
	eventError         = "error"
)

type event struct {
	peer *rtc.Negotiator
	info signaling.InfoSignal
	err  error
}

// Client reconciles the set of negotiators with every roster the server
// sends.
type Client struct {
	ch      Channel
	factory PeerFactory
	log     *slog.Logger
	events  *events.Emitter[event]

	mu          sync.Mutex
	peers       map[string]*rtc.Negotiator
	closed      bool
	unsubscribe []func()
}

// New subscribes to ch. Negotiators are created with factory as members are
// announced.
func New(ch Channel, factory PeerFactory, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		ch:      ch,
		factory: factory,
		log:     logger.With("component", "room"),
		events:  events.New[event](),
		peers:   make(map[string]*rtc.Negotiator),
	}
	c.unsubscribe = []func(){
		ch.OnInfo(c.handleInfo),
		ch.OnError(c.handleError),
	}
	return c
}

// OnConnection is called with the negotiator of every newly announced member.
func (c *Client) OnConnection(fn func(*rtc.Negotiator)) func() {
	return c.events.On(eventConnection, func(ev event) { fn(ev.peer) })
}

// OnDisconnection is called after a member's negotiator was closed.
func (c *Client) OnDisconnection(fn func(*rtc.Negotiator)) func() {
	return c.events.On(eventDisconnection, func(ev event) { fn(ev.peer) })
}

// OnInfo is called with every roster, after the negotiators were reconciled.
func (c *Client) OnInfo(fn func(signaling.InfoSignal)) func() {
	return c.events.On(eventInfo, func(ev event) { fn(ev.info) })
}

// OnError receives channel errors and negotiator creation failures.
func (c *Client) OnError(fn func(error)) func() {
	return c.events.On(eventError, func(ev event) { fn(ev.err) })
}

// Peers returns the current negotiators ordered by member id.
func (c *Client) Peers() []*rtc.Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedPeers(c.peers)
}

// Peer returns the negotiator for member id.
func (c *Client) Peer(id string) (*rtc.Negotiator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.peers[id]
	return n, ok
}

// Close unsubscribes from the channel and closes every negotiator. The
// channel itself is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peers := sortedPeers(c.peers)
	c.peers = make(map[string]*rtc.Negotiator)
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, off := range unsubscribe {
		off()
	}
	var errs []error
	for _, n := range peers {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) handleInfo(info signaling.InfoSignal) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	announced := make(map[string]bool, len(info.Members))
	var added []*rtc.Negotiator
	var failed []error
	for _, m := range info.Members {
		announced[m.ID] = true
		if _, ok := c.peers[m.ID]; ok {
			continue
		}
		n, err := c.factory(m)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		c.peers[m.ID] = n
		added = append(added, n)
	}

	var removed []*rtc.Negotiator
	for id, n := range c.peers {
		if !announced[id] {
			delete(c.peers, id)
			removed = append(removed, n)
		}
	}
	c.mu.Unlock()

	slices.SortFunc(removed, byTarget)
	for _, n := range removed {
		c.log.Debug("peer left", "peer", n.Target().ID)
		n.Close()
		c.events.Emit(eventDisconnection, event{peer: n})
	}
	for _, n := range added {
		c.log.Debug("peer joined", "peer", n.Target().ID, "polite", n.Target().Polite)
		c.events.Emit(eventConnection, event{peer: n})
	}
	for _, err := range failed {
		c.log.Warn("create peer", "err", err)
		c.events.Emit(eventError, event{err: err})
	}
	c.events.Emit(eventInfo, event{info: info})
}

// handleError tears down every negotiator. The next roster after the channel
// reconnects builds them again.
func (c *Client) handleError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	peers := sortedPeers(c.peers)
	c.peers = make(map[string]*rtc.Negotiator)
	c.mu.Unlock()

	c.log.Warn("signaling error, closing all peers", "err", err, "peers", len(peers))
	for _, n := range peers {
		n.Close()
		c.events.Emit(eventDisconnection, event{peer: n})
	}
	c.events.Emit(eventError, event{err: err})
}

func sortedPeers(peers map[string]*rtc.Negotiator) []*rtc.Negotiator {
	out := make([]*rtc.Negotiator, 0, len(peers))
	for _, n := range peers {
		out = append(out, n)
	}
	slices.SortFunc(out, byTarget)
	return out
}

func byTarget(a, b *rtc.Negotiator) int {
	switch {
	case a.Target().ID < b.Target().ID:
		return -1
	case a.Target().ID > b.Target().ID:
		return 1
	}
	return 0
}
