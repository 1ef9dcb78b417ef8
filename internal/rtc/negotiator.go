package rtc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/portal/internal/events"
	"github.com/BioHazard786/portal/internal/signaling"
)

// Signaler carries descriptions and candidates to and from other members.
// *signaling.Channel implements it.
type Signaler interface {
	Send(typ string, payload any, target string) error
	OnDescription(fn func(desc webrtc.SessionDescription, from string)) func()
	OnCandidate(fn func(candidate *webrtc.ICECandidateInit, from string)) func()
}

// politeRestartDelay is how long the polite side waits for the impolite
// side's ICE restart offer before restarting itself.
const politeRestartDelay = 10 * time.Second

const (
	eventError = "error"
	eventTrack = "track"
	eventState = "state"
)

type event struct {
	err      error
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	state    webrtc.ICEConnectionState
}

// Negotiator runs perfect negotiation with a single room member. Which side
// gives way on an offer collision is fixed by the member's Polite flag, so
// neither side ever has to retry. ICE restarts come from the impolite side;
// the polite side restarts only when no offer followed a failure.
type Negotiator struct {
	target       signaling.RoomMember
	signaler     Signaler
	engine       Engine
	log          *slog.Logger
	events       *events.Emitter[event]
	restartDelay time.Duration

	// op serializes engine calls. Signals are sent after it is released.
	op sync.Mutex

	mu           sync.Mutex
	makingOffer  bool
	ignoreOffer  bool
	closed       bool
	iceState     webrtc.ICEConnectionState
	remoteOffers int
	restartTimer *time.Timer

	// Candidates that arrived before any remote description.
	pending     []*webrtc.ICECandidateInit
	unsubscribe []func()
}

// NewNegotiator wires engine to signaler for target. Signals from any other
// member are ignored.
func NewNegotiator(target signaling.RoomMember, signaler Signaler, engine Engine, logger *slog.Logger) (*Negotiator, error) {
	if signaler == nil || engine == nil {
		return nil, NewPeerError("create negotiator", target.ID, ErrNoEngine)
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Negotiator{
		target:       target,
		signaler:     signaler,
		engine:       engine,
		log:          logger.With("component", "negotiator", "peer", target.ID, "polite", target.Polite),
		events:       events.New[event](),
		restartDelay: politeRestartDelay,
	}

	engine.OnNegotiationNeeded(n.negotiate)
	engine.OnICECandidate(n.sendCandidate)
	engine.OnICEConnectionStateChange(n.handleICEState)
	engine.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if n.isClosed() {
			return
		}
		n.events.Emit(eventTrack, event{track: track, receiver: receiver})
	})

	n.unsubscribe = []func(){
		signaler.OnDescription(n.handleDescription),
		signaler.OnCandidate(n.handleCandidate),
	}
	return n, nil
}

// Target is the member this negotiator talks to.
func (n *Negotiator) Target() signaling.RoomMember { return n.target }

// Engine is the engine being negotiated.
func (n *Negotiator) Engine() Engine { return n.engine }

// OnError receives negotiation failures. They are never fatal.
func (n *Negotiator) OnError(fn func(error)) func() {
	return n.events.On(eventError, func(ev event) { fn(ev.err) })
}

// OnTrack receives remote media tracks.
func (n *Negotiator) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) func() {
	return n.events.On(eventTrack, func(ev event) { fn(ev.track, ev.receiver) })
}

// OnStateChange receives ICE connection state changes.
func (n *Negotiator) OnStateChange(fn func(webrtc.ICEConnectionState)) func() {
	return n.events.On(eventState, func(ev event) { fn(ev.state) })
}

// Close stops listening for signals and closes the engine. It is safe to
// call more than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	unsubscribe := n.unsubscribe
	n.unsubscribe = nil
	n.pending = nil
	if n.restartTimer != nil {
		n.restartTimer.Stop()
	}
	n.mu.Unlock()

	for _, off := range unsubscribe {
		off()
	}
	n.log.Debug("negotiator closed")
	return n.engine.Close()
}

func (n *Negotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// negotiate handles the engine's negotiation-needed signal.
func (n *Negotiator) negotiate() {
	n.op.Lock()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.op.Unlock()
		return
	}
	n.makingOffer = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	desc, err := n.engine.SetLocalDescription()
	n.op.Unlock()
	if err != nil {
		n.fail("set local description", err)
		return
	}
	n.send(signaling.TypeDescription, desc)
}

func (n *Negotiator) handleDescription(desc webrtc.SessionDescription, from string) {
	if from != n.target.ID {
		return
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer, webrtc.SDPTypeRollback:
	default:
		n.fail("handle description", WrapError("description", ErrUnexpectedSignal, desc.Type.String()))
		return
	}

	n.op.Lock()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.op.Unlock()
		return
	}
	offer := desc.Type == webrtc.SDPTypeOffer
	collision := offer && (n.makingOffer || n.engine.SignalingState() != webrtc.SignalingStateStable)
	n.ignoreOffer = !n.target.Polite && collision
	ignore := n.ignoreOffer
	if offer && !ignore {
		n.remoteOffers++
	}
	n.mu.Unlock()

	if ignore {
		n.op.Unlock()
		n.log.Debug("ignoring colliding offer")
		return
	}

	answer := n.applyDescription(desc)
	n.op.Unlock()
	if answer != nil {
		n.send(signaling.TypeDescription, *answer)
	}
}

// applyDescription runs with op held and returns the answer to send, if any.
func (n *Negotiator) applyDescription(desc webrtc.SessionDescription) *webrtc.SessionDescription {
	if err := n.engine.SetRemoteDescription(desc); err != nil {
		n.fail("set remote description", err)
		return nil
	}
	n.flushPending()

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := n.engine.SetLocalDescription()
	if err != nil {
		n.fail("set local description", err)
		return nil
	}
	return &answer
}

func (n *Negotiator) handleCandidate(candidate *webrtc.ICECandidateInit, from string) {
	if from != n.target.ID {
		return
	}

	n.op.Lock()
	defer n.op.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.ignoreOffer && n.engine.RemoteDescription() == nil {
		n.pending = append(n.pending, candidate)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.addCandidate(candidate)
}

func (n *Negotiator) flushPending() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, candidate := range pending {
		n.addCandidate(candidate)
	}
}

func (n *Negotiator) addCandidate(candidate *webrtc.ICECandidateInit) {
	err := n.engine.AddICECandidate(candidate)
	if err == nil {
		return
	}

	n.mu.Lock()
	ignore := n.ignoreOffer
	n.mu.Unlock()
	if ignore {
		// Belongs to an offer this side dropped.
		return
	}
	n.fail("add ICE candidate", err)
}

func (n *Negotiator) sendCandidate(candidate *webrtc.ICECandidateInit) {
	if n.isClosed() {
		return
	}
	n.send(signaling.TypeCandidate, candidate)
}

func (n *Negotiator) handleICEState(state webrtc.ICEConnectionState) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.iceState = state
	n.mu.Unlock()

	n.log.Debug("ice connection state", "state", state.String())
	n.events.Emit(eventState, event{state: state})

	if state != webrtc.ICEConnectionStateFailed {
		return
	}
	if !n.target.Polite {
		n.log.Info("ice failed, restarting")
		n.engine.RestartICE()
		return
	}
	n.scheduleRestart()
}

// scheduleRestart restarts ICE from the polite side after restartDelay,
// unless an offer arrived or ICE recovered in the meantime.
func (n *Negotiator) scheduleRestart() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.restartTimer != nil {
		n.restartTimer.Stop()
	}
	offers := n.remoteOffers
	n.log.Info("ice failed, waiting for peer to restart", "delay", n.restartDelay)
	n.restartTimer = time.AfterFunc(n.restartDelay, func() { n.restartIfStillFailed(offers) })
}

func (n *Negotiator) restartIfStillFailed(offers int) {
	n.mu.Lock()
	stale := n.closed || n.remoteOffers != offers || n.iceState != webrtc.ICEConnectionStateFailed
	n.mu.Unlock()
	if stale || n.engine.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	n.log.Info("ice still failed, restarting")
	n.engine.RestartICE()
}

func (n *Negotiator) send(typ string, payload any) {
	if err := n.signaler.Send(typ, payload, n.target.ID); err != nil {
		n.fail("send "+typ, err)
	}
}

func (n *Negotiator) fail(op string, err error) {
	n.log.Warn("negotiation error", "op", op, "err", err)
	n.events.Emit(eventError, event{err: NewPeerError(op, n.target.ID, err)})
}
