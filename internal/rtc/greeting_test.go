package rtc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/portal/internal/events"
	"github.com/BioHazard786/portal/internal/signaling"
)

// pipeSignaler delivers signals to its peer asynchronously and in order, in
// their wire encoding.
type pipeSignaler struct {
	id     string
	peer   *pipeSignaler
	frames chan []byte
	events *events.Emitter[signaling.Envelope]
	gate   <-chan struct{}
	done   chan struct{}
}

func newPipe(a, b string) (*pipeSignaler, *pipeSignaler) {
	open := make(chan struct{})
	close(open)
	return newGatedPipe(a, b, open)
}

// newGatedPipe holds every frame until gate is closed.
func newGatedPipe(a, b string, gate <-chan struct{}) (*pipeSignaler, *pipeSignaler) {
	sa := &pipeSignaler{id: a, frames: make(chan []byte, 256), events: events.New[signaling.Envelope](), gate: gate, done: make(chan struct{})}
	sb := &pipeSignaler{id: b, frames: make(chan []byte, 256), events: events.New[signaling.Envelope](), gate: gate, done: make(chan struct{})}
	sa.peer, sb.peer = sb, sa
	go sa.run()
	go sb.run()
	return sa, sb
}

func (s *pipeSignaler) run() {
	select {
	case <-s.done:
		return
	case <-s.gate:
	}
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.frames:
			var env signaling.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				panic(err)
			}
			s.events.Emit(env.Type, env)
		}
	}
}

func (s *pipeSignaler) close() { close(s.done) }

func (s *pipeSignaler) Send(typ string, payload any, target string) error {
	frame, err := signaling.Encode(typ, payload, "", s.id)
	if err != nil {
		return err
	}
	if target == s.peer.id {
		s.peer.frames <- frame
	}
	return nil
}

func (s *pipeSignaler) OnDescription(fn func(webrtc.SessionDescription, string)) func() {
	return s.events.On(signaling.TypeDescription, func(env signaling.Envelope) {
		var desc webrtc.SessionDescription
		if err := env.Decode(&desc); err != nil {
			panic(err)
		}
		fn(desc, env.From)
	})
}

func (s *pipeSignaler) OnCandidate(fn func(*webrtc.ICECandidateInit, string)) func() {
	return s.events.On(signaling.TypeCandidate, func(env signaling.Envelope) {
		var c *webrtc.ICECandidateInit
		if err := env.Decode(&c); err != nil {
			panic(err)
		}
		fn(c, env.From)
	})
}

func loopbackAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(quietLogger(), func(s *webrtc.SettingEngine) {
		s.SetIncludeLoopbackCandidate(true)
		s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func TestPionPeersGreetEachOther(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	api := loopbackAPI(t)

	sigA, sigB := newPipe("a", "b")
	defer sigA.close()
	defer sigB.close()

	engA, err := NewPionEngine(api, Configuration(ICESettings{}))
	if err != nil {
		t.Fatalf("engine a: %v", err)
	}
	engB, err := NewPionEngine(api, Configuration(ICESettings{}))
	if err != nil {
		t.Fatalf("engine b: %v", err)
	}

	newTestNegotiator(t, signaling.RoomMember{ID: "b", Polite: false}, sigA, engA)
	newTestNegotiator(t, signaling.RoomMember{ID: "a", Polite: true}, sigB, engB)

	gb, err := OpenGreeting(engB, true, Hello{ID: "b", Name: "bravo", Version: "test"}, quietLogger())
	if err != nil {
		t.Fatalf("greeting b: %v", err)
	}
	helloAtB := make(chan Hello, 1)
	textAtB := make(chan Text, 1)
	gb.OnHello(func(h Hello) { helloAtB <- h })
	gb.OnText(func(txt Text) { textAtB <- txt })

	ga, err := OpenGreeting(engA, false, Hello{ID: "a", Name: "alpha", Version: "test"}, quietLogger())
	if err != nil {
		t.Fatalf("greeting a: %v", err)
	}
	helloAtA := make(chan Hello, 1)
	ga.OnHello(func(h Hello) { helloAtA <- h })

	timeout := time.After(20 * time.Second)
	select {
	case h := <-helloAtB:
		if h.ID != "a" || h.Name != "alpha" {
			t.Fatalf("b got hello %+v", h)
		}
	case <-timeout:
		t.Fatalf("b got no hello")
	}
	select {
	case h := <-helloAtA:
		if h.ID != "b" || h.Name != "bravo" {
			t.Fatalf("a got hello %+v", h)
		}
	case <-timeout:
		t.Fatalf("a got no hello")
	}

	if peer, ok := ga.Peer(); !ok || peer.ID != "b" {
		t.Fatalf("a peer = %+v, %v", peer, ok)
	}

	if err := ga.Say("hi"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	select {
	case txt := <-textAtB:
		if txt.Body != "hi" {
			t.Fatalf("b got text %+v", txt)
		}
	case <-timeout:
		t.Fatalf("b got no text")
	}
}

func TestPionPoliteOfferYieldsToImpoliteOffer(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	api := loopbackAPI(t)
	gate := make(chan struct{})
	sigA, sigB := newGatedPipe("a", "b", gate)
	defer sigA.close()
	defer sigB.close()

	engA, err := NewPionEngine(api, Configuration(ICESettings{}))
	if err != nil {
		t.Fatalf("engine a: %v", err)
	}
	engB, err := NewPionEngine(api, Configuration(ICESettings{}))
	if err != nil {
		t.Fatalf("engine b: %v", err)
	}

	a := newTestNegotiator(t, signaling.RoomMember{ID: "b", Polite: false}, sigA, engA)
	b := newTestNegotiator(t, signaling.RoomMember{ID: "a", Polite: true}, sigB, engB)
	errsA, errsB := collectErrors(a), collectErrors(b)

	gb, err := OpenGreeting(engB, true, Hello{ID: "b", Name: "bravo"}, quietLogger())
	if err != nil {
		t.Fatalf("greeting b: %v", err)
	}
	helloAtB := make(chan Hello, 1)
	gb.OnHello(func(h Hello) { helloAtB <- h })

	// Both sides add a channel, so both offer before either offer is seen.
	firstB := engB.PeerConnection()
	if _, err := engB.CreateDataChannel("b-side", nil); err != nil {
		t.Fatalf("b data channel: %v", err)
	}
	ga, err := OpenGreeting(engA, false, Hello{ID: "a", Name: "alpha"}, quietLogger())
	if err != nil {
		t.Fatalf("greeting a: %v", err)
	}
	helloAtA := make(chan Hello, 1)
	ga.OnHello(func(h Hello) { helloAtA <- h })

	eventually(t, "both offers", func() bool {
		return engA.SignalingState() == webrtc.SignalingStateHaveLocalOffer &&
			engB.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	})
	close(gate)

	timeout := time.After(20 * time.Second)
	select {
	case h := <-helloAtB:
		if h.ID != "a" {
			t.Fatalf("b got hello %+v", h)
		}
	case <-timeout:
		t.Fatalf("b got no hello")
	}
	select {
	case h := <-helloAtA:
		if h.ID != "b" {
			t.Fatalf("a got hello %+v", h)
		}
	case <-timeout:
		t.Fatalf("a got no hello")
	}

	if engA.SignalingState() != webrtc.SignalingStateStable || engB.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("states a=%s b=%s, want stable", engA.SignalingState(), engB.SignalingState())
	}
	if engB.PeerConnection() == firstB {
		t.Fatalf("b kept the connection holding its abandoned offer")
	}
	if firstB.SignalingState() != webrtc.SignalingStateClosed {
		t.Fatalf("abandoned connection signaling state = %s", firstB.SignalingState())
	}
	if len(errsA()) != 0 || len(errsB()) != 0 {
		t.Fatalf("errors a=%v b=%v", errsA(), errsB())
	}
}

func TestGreetingSayBeforeOpen(t *testing.T) {
	api, err := NewAPI(quietLogger())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	eng, err := NewPionEngine(api, webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPionEngine: %v", err)
	}
	defer eng.Close()

	g, err := OpenGreeting(eng, true, Hello{ID: "a"}, nil)
	if err != nil {
		t.Fatalf("OpenGreeting: %v", err)
	}
	if err := g.Say("hi"); err == nil {
		t.Fatalf("Say succeeded without a channel")
	}
	if _, ok := g.Peer(); ok {
		t.Fatalf("peer known before any hello")
	}
}
