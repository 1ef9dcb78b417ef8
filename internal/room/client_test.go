package room

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/portal/internal/events"
	"github.com/BioHazard786/portal/internal/rtc"
	"github.com/BioHazard786/portal/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	infos *events.Emitter[signaling.InfoSignal]
	errs  *events.Emitter[error]
	descs *events.Emitter[webrtc.SessionDescription]
	cands *events.Emitter[*webrtc.ICECandidateInit]
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		infos: events.New[signaling.InfoSignal](),
		errs:  events.New[error](),
		descs: events.New[webrtc.SessionDescription](),
		cands: events.New[*webrtc.ICECandidateInit](),
	}
}

func (f *fakeChannel) Send(string, any, string) error { return nil }

func (f *fakeChannel) OnDescription(fn func(webrtc.SessionDescription, string)) func() {
	return f.descs.On("description", func(d webrtc.SessionDescription) { fn(d, "") })
}

func (f *fakeChannel) OnCandidate(fn func(*webrtc.ICECandidateInit, string)) func() {
	return f.cands.On("candidate", func(c *webrtc.ICECandidateInit) { fn(c, "") })
}

func (f *fakeChannel) OnInfo(fn func(signaling.InfoSignal)) func() {
	return f.infos.On("info", fn)
}

func (f *fakeChannel) OnError(fn func(error)) func() {
	return f.errs.On("error", fn)
}

func (f *fakeChannel) info(self string, members ...signaling.RoomMember) {
	f.infos.Emit("info", signaling.InfoSignal{ID: self, Members: members})
}

// stubEngine records whether it was closed and nothing else.
type stubEngine struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubEngine) SignalingState() webrtc.SignalingState         { return webrtc.SignalingStateStable }
func (s *stubEngine) RemoteDescription() *webrtc.SessionDescription { return nil }
func (s *stubEngine) SetLocalDescription() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (s *stubEngine) SetRemoteDescription(webrtc.SessionDescription) error       { return nil }
func (s *stubEngine) AddICECandidate(*webrtc.ICECandidateInit) error             { return nil }
func (s *stubEngine) RestartICE()                                                {}
func (s *stubEngine) OnNegotiationNeeded(func())                                 {}
func (s *stubEngine) OnICECandidate(func(*webrtc.ICECandidateInit))              {}
func (s *stubEngine) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}
func (s *stubEngine) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))     {}

func (s *stubEngine) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubEngine) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type harness struct {
	ch      *fakeChannel
	client  *Client
	engines map[string][]*stubEngine
	fail    map[string]bool

	connected    []string
	disconnected []string
	errs         []error
	infos        int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:      newFakeChannel(),
		engines: map[string][]*stubEngine{},
		fail:    map[string]bool{},
	}
	h.client = New(h.ch, func(m signaling.RoomMember) (*rtc.Negotiator, error) {
		if h.fail[m.ID] {
			return nil, fmt.Errorf("no engine for %s", m.ID)
		}
		e := &stubEngine{}
		h.engines[m.ID] = append(h.engines[m.ID], e)
		return rtc.NewNegotiator(m, h.ch, e, quietLogger())
	}, quietLogger())
	t.Cleanup(func() { h.client.Close() })

	h.client.OnConnection(func(n *rtc.Negotiator) { h.connected = append(h.connected, n.Target().ID) })
	h.client.OnDisconnection(func(n *rtc.Negotiator) { h.disconnected = append(h.disconnected, n.Target().ID) })
	h.client.OnError(func(err error) { h.errs = append(h.errs, err) })
	h.client.OnInfo(func(signaling.InfoSignal) { h.infos++ })
	return h
}

func (h *harness) peerIDs() string {
	var ids []string
	for _, n := range h.client.Peers() {
		ids = append(ids, fmt.Sprintf("%s:%v", n.Target().ID, n.Target().Polite))
	}
	return fmt.Sprint(ids)
}

func TestClientReconcilesRoster(t *testing.T) {
	h := newHarness(t)

	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true}, signaling.RoomMember{ID: "b", Polite: true})
	if got := h.peerIDs(); got != "[a:true b:true]" {
		t.Fatalf("peers = %s", got)
	}
	if fmt.Sprint(h.connected) != "[a b]" || len(h.disconnected) != 0 || h.infos != 1 {
		t.Fatalf("connected=%v disconnected=%v infos=%d", h.connected, h.disconnected, h.infos)
	}
	b, _ := h.client.Peer("b")

	h.ch.info("c", signaling.RoomMember{ID: "b", Polite: true}, signaling.RoomMember{ID: "d", Polite: false})
	if got := h.peerIDs(); got != "[b:true d:false]" {
		t.Fatalf("peers = %s", got)
	}
	if fmt.Sprint(h.connected) != "[a b d]" || fmt.Sprint(h.disconnected) != "[a]" {
		t.Fatalf("connected=%v disconnected=%v", h.connected, h.disconnected)
	}
	if !h.engines["a"][0].isClosed() {
		t.Fatalf("departed peer's engine left open")
	}
	if again, _ := h.client.Peer("b"); again != b {
		t.Fatalf("negotiator for a staying member was replaced")
	}

	// Same roster again changes nothing.
	h.ch.info("c", signaling.RoomMember{ID: "b", Polite: true}, signaling.RoomMember{ID: "d", Polite: false})
	if len(h.connected) != 3 || len(h.disconnected) != 1 || len(h.engines["b"]) != 1 {
		t.Fatalf("idempotent roster churned peers")
	}
}

func TestClientChannelErrorClosesAllPeers(t *testing.T) {
	h := newHarness(t)
	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true}, signaling.RoomMember{ID: "b", Polite: true})

	boom := errors.New("transport broke")
	h.ch.errs.Emit("error", boom)

	if len(h.client.Peers()) != 0 {
		t.Fatalf("peers left after channel error: %s", h.peerIDs())
	}
	if fmt.Sprint(h.disconnected) != "[a b]" {
		t.Fatalf("disconnected = %v", h.disconnected)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], boom) {
		t.Fatalf("errs = %v", h.errs)
	}
	for id, es := range h.engines {
		if !es[0].isClosed() {
			t.Fatalf("engine %s left open", id)
		}
	}

	// The next roster after reconnecting rebuilds the set.
	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true})
	if got := h.peerIDs(); got != "[a:true]" || len(h.engines["a"]) != 2 {
		t.Fatalf("peers after reconnect = %s", got)
	}
}

func TestClientRetriesFailedPeers(t *testing.T) {
	h := newHarness(t)
	h.fail["a"] = true

	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true})
	if len(h.errs) != 1 || len(h.client.Peers()) != 0 || h.infos != 1 {
		t.Fatalf("errs=%v peers=%s infos=%d", h.errs, h.peerIDs(), h.infos)
	}

	h.fail["a"] = false
	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true})
	if got := h.peerIDs(); got != "[a:true]" {
		t.Fatalf("peers = %s", got)
	}
}

func TestClientClose(t *testing.T) {
	h := newHarness(t)
	h.ch.info("c", signaling.RoomMember{ID: "a", Polite: true})

	if err := h.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !h.engines["a"][0].isClosed() {
		t.Fatalf("engine left open")
	}
	if n := h.ch.infos.Count("info") + h.ch.errs.Count("error") + h.ch.descs.Count("description"); n != 0 {
		t.Fatalf("%d subscriptions left on the channel", n)
	}

	h.ch.info("c", signaling.RoomMember{ID: "b", Polite: true})
	if len(h.client.Peers()) != 0 || len(h.engines["b"]) != 0 {
		t.Fatalf("closed client reacted to a roster")
	}
}
