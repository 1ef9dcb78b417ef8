package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/BioHazard786/portal/internal/config"
	"github.com/BioHazard786/portal/internal/room"
	"github.com/BioHazard786/portal/internal/rtc"
	"github.com/BioHazard786/portal/internal/signaling"
	"github.com/BioHazard786/portal/internal/ui"
	"github.com/BioHazard786/portal/internal/version"
	"github.com/pion/webrtc/v4"
)

// Display is where a session reports what happens in the room.
type Display interface {
	SetPeers(peers []ui.PeerRow)
	SetStatus(status string)
	Chat(from, body string)
}

type peerState struct {
	negotiator *rtc.Negotiator
	greeting   *rtc.Greeting
	state      webrtc.ICEConnectionState
	name       string
}

// Session is one membership in a room: the signaling channel, the room
// client and a greeting channel to every peer.
type Session struct {
	cfg     *config.Config
	channel *signaling.Channel
	room    *room.Client
	api     *webrtc.API
	ice     webrtc.Configuration
	log     *slog.Logger

	joined   chan struct{}
	joinOnce sync.Once

	mu      sync.Mutex
	peers   map[string]*peerState
	display Display
}

// NewSession prepares a session for cfg. Nothing is dialed until Start.
func NewSession(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	api, err := rtc.NewAPI(logger)
	if err != nil {
		return nil, err
	}
	user, pass := cfg.GetTURNCredentials()
	ice := rtc.Configuration(rtc.ICESettings{
		STUN:       cfg.GetSTUNServers(),
		TURN:       cfg.GetTURNServers(),
		Username:   user,
		Credential: pass,
		ForceRelay: cfg.ForceRelay,
	})

	ch, err := signaling.NewChannel(signaling.Options{
		URL:            cfg.URL,
		Room:           cfg.Room,
		ID:             cfg.ID,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		channel: ch,
		api:     api,
		ice:     ice,
		log:     logger.With("component", "session"),
		joined:  make(chan struct{}),
		peers:   make(map[string]*peerState),
	}
	s.room = room.New(ch, s.newPeer, logger)
	s.room.OnConnection(s.handleConnection)
	s.room.OnDisconnection(s.handleDisconnection)
	s.room.OnInfo(s.handleInfo)
	s.room.OnError(s.handleError)
	ch.OnClose(s.handleClose)
	return s, nil
}

// Start dials the signaling server.
func (s *Session) Start() {
	s.channel.Connect()
}

// Joined is closed once the first roster arrived.
func (s *Session) Joined() <-chan struct{} {
	return s.joined
}

// ID is this member's identity in the room.
func (s *Session) ID() string {
	return s.channel.ID()
}

// Attach sends everything that happens from now on to d.
func (s *Session) Attach(d Display) {
	s.mu.Lock()
	s.display = d
	s.mu.Unlock()
	s.refresh()
}

// Say sends body to every peer whose greeting channel is open.
func (s *Session) Say(body string) {
	s.mu.Lock()
	greetings := make([]*rtc.Greeting, 0, len(s.peers))
	for _, p := range s.peers {
		greetings = append(greetings, p.greeting)
	}
	s.mu.Unlock()

	for _, g := range greetings {
		if err := g.Say(body); err != nil && !errors.Is(err, rtc.ErrGreetingNotOpen) {
			s.log.Warn("say", "err", err)
		}
	}
}

// Close leaves the room and closes every peer connection.
func (s *Session) Close() error {
	return errors.Join(s.room.Close(), s.channel.Close())
}

// newPeer builds the negotiator for member. The negotiator subscribes to
// negotiation-needed before the greeting channel is added.
func (s *Session) newPeer(member signaling.RoomMember) (*rtc.Negotiator, error) {
	engine, err := rtc.NewPionEngine(s.api, s.ice)
	if err != nil {
		return nil, rtc.NewPeerError("create engine", member.ID, err)
	}
	n, err := rtc.NewNegotiator(member, s.channel, engine, s.log)
	if err != nil {
		engine.Close()
		return nil, err
	}
	g, err := rtc.OpenGreeting(engine, member.Polite, rtc.Hello{
		ID:      s.channel.ID(),
		Name:    s.cfg.Name,
		Version: version.Version,
	}, s.log)
	if err != nil {
		n.Close()
		return nil, rtc.NewPeerError("open greeting", member.ID, err)
	}

	s.mu.Lock()
	s.peers[member.ID] = &peerState{negotiator: n, greeting: g, state: webrtc.ICEConnectionStateNew}
	s.mu.Unlock()
	return n, nil
}

func (s *Session) handleConnection(n *rtc.Negotiator) {
	id := n.Target().ID
	s.mu.Lock()
	p, ok := s.peers[id]
	s.mu.Unlock()
	if !ok || p.negotiator != n {
		return
	}

	n.OnStateChange(func(state webrtc.ICEConnectionState) {
		s.mu.Lock()
		p.state = state
		s.mu.Unlock()
		s.log.Info("peer state", "peer", id, "state", state.String())
		s.refresh()
	})
	n.OnError(func(err error) {
		s.log.Warn("negotiation", "peer", id, "err", err)
	})
	p.greeting.OnHello(func(h rtc.Hello) {
		s.mu.Lock()
		p.name = h.Name
		s.mu.Unlock()
		s.log.Info("peer said hello", "peer", id, "name", h.Name, "version", h.Version)
		s.refresh()
	})
	p.greeting.OnText(func(t rtc.Text) {
		s.mu.Lock()
		from, d := p.displayName(id), s.display
		s.mu.Unlock()
		if d != nil {
			d.Chat(from, t.Body)
		}
	})
	s.refresh()
}

func (s *Session) handleDisconnection(n *rtc.Negotiator) {
	s.mu.Lock()
	if p, ok := s.peers[n.Target().ID]; ok && p.negotiator == n {
		delete(s.peers, n.Target().ID)
	}
	s.mu.Unlock()
	s.refresh()
}

func (s *Session) handleInfo(info signaling.InfoSignal) {
	s.joinOnce.Do(func() { close(s.joined) })
	s.status(fmt.Sprintf("In %s as %s with %d other(s)", s.cfg.Room, info.ID, len(info.Members)))
}

func (s *Session) handleError(err error) {
	s.status("Signaling error: " + err.Error())
}

func (s *Session) handleClose(err error) {
	if err != nil {
		s.status(fmt.Sprintf("Disconnected (%v), reconnecting...", err))
	}
}

func (s *Session) status(msg string) {
	s.mu.Lock()
	d := s.display
	s.mu.Unlock()
	if d != nil {
		d.SetStatus(msg)
	}
}

func (s *Session) refresh() {
	s.mu.Lock()
	d := s.display
	rows := make([]ui.PeerRow, 0, len(s.peers))
	for id, p := range s.peers {
		rows = append(rows, ui.PeerRow{
			ID:     id,
			Name:   p.name,
			Polite: p.negotiator.Target().Polite,
			State:  p.state.String(),
		})
	}
	s.mu.Unlock()

	if d == nil {
		return
	}
	slices.SortFunc(rows, func(a, b ui.PeerRow) int { return strings.Compare(a.ID, b.ID) })
	d.SetPeers(rows)
}

func (p *peerState) displayName(id string) string {
	if p.name != "" {
		return p.name
	}
	return id
}

// printDisplay writes room activity as plain lines.
type printDisplay struct {
	mu    sync.Mutex
	peers string
}

func (d *printDisplay) SetPeers(peers []ui.PeerRow) {
	view := ui.RosterView(peers)
	d.mu.Lock()
	changed := view != d.peers
	d.peers = view
	d.mu.Unlock()
	if changed {
		fmt.Println(view)
	}
}

func (d *printDisplay) SetStatus(status string) {
	ui.PrintInfo(status)
}

func (d *printDisplay) Chat(from, body string) {
	fmt.Printf("%s %s %s\n", ui.IconChat, ui.BoldStyle.Render(from+":"), body)
}
