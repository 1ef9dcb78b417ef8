// Package rtc drives one peer connection per remote room member through
// perfect negotiation.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Engine is the media engine a Negotiator drives. Its signaling state is only
// ever compared against stable.
type Engine interface {
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription

	// SetLocalDescription creates and applies an answer when a remote offer
	// is pending and an offer otherwise, and returns what was applied.
	SetLocalDescription() (webrtc.SessionDescription, error)
	// SetRemoteDescription applies desc, rolling back a pending local offer
	// first when desc is an offer. Engines that cannot roll back return an
	// error wrapping ErrRollbackUnsupported.
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate; nil marks end of candidates.
	AddICECandidate(candidate *webrtc.ICECandidateInit) error
	// RestartICE makes the next offer restart ICE and requests negotiation.
	RestartICE()
	Close() error

	OnNegotiationNeeded(fn func())
	// OnICECandidate receives local candidates; nil marks end of gathering.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
}

// PionEngine is the Engine backed by a pion PeerConnection.
//
// pion cannot roll back a local offer. A connection that never applied a
// remote description is replaced by a fresh one instead, which drops the
// data channels and tracks added to it. Once a remote description has been
// applied a colliding offer fails with ErrRollbackUnsupported.
type PionEngine struct {
	api *webrtc.API
	cfg webrtc.Configuration

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	closed            bool
	restartICE        bool
	negotiationNeeded func()
	onCandidate       func(*webrtc.ICECandidateInit)
	onState           func(webrtc.ICEConnectionState)
	onTrack           func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onDataChannel     func(*webrtc.DataChannel)
}

// NewPionEngine opens a PeerConnection with api and cfg.
func NewPionEngine(api *webrtc.API, cfg webrtc.Configuration) (*PionEngine, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	e := &PionEngine{api: api, cfg: cfg}
	pc, err := e.open()
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	e.pc = pc
	return e, nil
}

// open creates a connection whose callbacks fire only while it is current.
func (e *PionEngine) open() (*webrtc.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}

	// pion calls this on its operations queue; negotiating there would run
	// SDP calls on that same queue.
	pc.OnNegotiationNeeded(func() {
		e.mu.Lock()
		fn, current := e.negotiationNeeded, e.pc == pc
		e.mu.Unlock()
		if current && fn != nil {
			go fn()
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		e.mu.Lock()
		fn, current := e.onCandidate, e.pc == pc
		e.mu.Unlock()
		if !current || fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.mu.Lock()
		fn, current := e.onState, e.pc == pc
		e.mu.Unlock()
		if current && fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.mu.Lock()
		fn, current := e.onTrack, e.pc == pc
		e.mu.Unlock()
		if current && fn != nil {
			fn(track, receiver)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.mu.Lock()
		fn, current := e.onDataChannel, e.pc == pc
		e.mu.Unlock()
		if current && fn != nil {
			fn(dc)
		}
	})
	return pc, nil
}

func (e *PionEngine) conn() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

// PeerConnection exposes the current connection. It changes when a
// colliding offer replaces a connection that was never answered.
func (e *PionEngine) PeerConnection() *webrtc.PeerConnection {
	return e.conn()
}

// CreateDataChannel adds a data channel to the current connection.
func (e *PionEngine) CreateDataChannel(label string, init *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	return e.conn().CreateDataChannel(label, init)
}

// OnDataChannel receives data channels opened by the peer, on whichever
// connection is current.
func (e *PionEngine) OnDataChannel(fn func(*webrtc.DataChannel)) {
	e.mu.Lock()
	e.onDataChannel = fn
	e.mu.Unlock()
}

func (e *PionEngine) SignalingState() webrtc.SignalingState {
	return e.conn().SignalingState()
}

func (e *PionEngine) RemoteDescription() *webrtc.SessionDescription {
	return e.conn().RemoteDescription()
}

func (e *PionEngine) SetLocalDescription() (webrtc.SessionDescription, error) {
	pc := e.conn()
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if pc.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		desc, err = pc.CreateAnswer(nil)
	} else {
		e.mu.Lock()
		restart := e.restartICE
		e.restartICE = false
		e.mu.Unlock()

		var opts *webrtc.OfferOptions
		if restart {
			opts = &webrtc.OfferOptions{ICERestart: true}
		}
		desc, err = pc.CreateOffer(opts)
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if local := pc.LocalDescription(); local != nil {
		return *local, nil
	}
	return desc, nil
}

func (e *PionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc := e.conn()
	if desc.Type == webrtc.SDPTypeOffer && pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		fresh, err := e.rollback(pc)
		if err != nil {
			return err
		}
		pc = fresh
	}
	return pc.SetRemoteDescription(desc)
}

// rollback abandons the pending local offer on pc by replacing pc.
func (e *PionEngine) rollback(pc *webrtc.PeerConnection) (*webrtc.PeerConnection, error) {
	if pc.CurrentRemoteDescription() != nil {
		return nil, WrapError("rollback", ErrRollbackUnsupported, "local offer")
	}

	fresh, err := e.open()
	if err != nil {
		return nil, WrapError("rollback", err, "local offer")
	}
	e.mu.Lock()
	if e.closed || e.pc != pc {
		e.mu.Unlock()
		fresh.Close()
		return nil, WrapError("rollback", webrtc.ErrConnectionClosed, "local offer")
	}
	e.pc = fresh
	e.restartICE = false
	e.mu.Unlock()

	if err := pc.Close(); err != nil {
		return nil, WrapError("rollback", err, "close abandoned connection")
	}
	return fresh, nil
}

func (e *PionEngine) AddICECandidate(candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		candidate = &webrtc.ICECandidateInit{}
	}
	return e.conn().AddICECandidate(*candidate)
}

func (e *PionEngine) RestartICE() {
	e.mu.Lock()
	e.restartICE = true
	fn := e.negotiationNeeded
	e.mu.Unlock()

	if fn != nil {
		go fn()
	}
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	pc := e.pc
	e.mu.Unlock()
	return pc.Close()
}

func (e *PionEngine) OnNegotiationNeeded(fn func()) {
	e.mu.Lock()
	e.negotiationNeeded = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}
