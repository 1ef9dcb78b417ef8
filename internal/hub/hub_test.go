package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/BioHazard786/portal/internal/signaling"
)

type sent struct {
	typ     string
	payload string
	from    string
}

type fakeTraveller struct {
	id, room string

	mu     sync.Mutex
	inbox  []sent
	closed bool
}

func newTraveller(id, room string) *fakeTraveller {
	return &fakeTraveller{id: id, room: room}
}

func (f *fakeTraveller) ID() string   { return f.id }
func (f *fakeTraveller) Room() string { return f.room }

func (f *fakeTraveller) Send(typ string, payload any, from string) {
	env, err := signaling.NewEnvelope(typ, payload, "", from)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.inbox = append(f.inbox, sent{typ: typ, payload: string(env.Payload), from: from})
	f.mu.Unlock()
}

func (f *fakeTraveller) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTraveller) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.inbox...)
}

func (f *fakeTraveller) reset() {
	f.mu.Lock()
	f.inbox = nil
	f.mu.Unlock()
}

func (f *fakeTraveller) lastInfo(t *testing.T) signaling.InfoSignal {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].typ != signaling.TypeInfo {
			continue
		}
		var info signaling.InfoSignal
		if err := json.Unmarshal([]byte(msgs[i].payload), &info); err != nil {
			t.Fatalf("decode info: %v", err)
		}
		return info
	}
	t.Fatalf("%s received no info", f.id)
	return signaling.InfoSignal{}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelope(typ, payload, target string) signaling.Envelope {
	env := signaling.Envelope{Type: typ, Target: target}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	return env
}

func TestOnConnectUnknownRoom(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	tr := newTraveller("a", "attic")

	err := h.OnConnect(tr)
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("OnConnect err = %v, want ErrRoomNotFound", err)
	}
	var notFound *RoomNotFoundError
	if !errors.As(err, &notFound) || notFound.Room != "attic" {
		t.Fatalf("OnConnect err = %#v", err)
	}

	h.HandleTravellerError(tr, err)
	msgs := tr.messages()
	if len(msgs) != 1 || msgs[0].typ != signaling.TypeError || msgs[0].payload != `{"code":"room_not_found"}` {
		t.Fatalf("traveller got %+v", msgs)
	}
}

func TestBroadcastReachesEveryMemberWithPostMutationRoster(t *testing.T) {
	h := New([]string{"home", "misc"}, quietLogger())
	a := newTraveller("a", "home")
	b := newTraveller("b", "home")
	c := newTraveller("c", "home")
	other := newTraveller("z", "misc")

	for _, tr := range []*fakeTraveller{a, b, c, other} {
		if err := h.OnConnect(tr); err != nil {
			t.Fatalf("OnConnect(%s): %v", tr.id, err)
		}
	}

	if got := a.lastInfo(t); fmt.Sprint(got.Members) != "[{b false} {c false}]" || got.ID != "a" {
		t.Fatalf("a info = %+v", got)
	}
	if got := b.lastInfo(t); fmt.Sprint(got.Members) != "[{a true} {c false}]" {
		t.Fatalf("b info = %+v", got)
	}
	if got := c.lastInfo(t); fmt.Sprint(got.Members) != "[{a true} {b true}]" {
		t.Fatalf("c info = %+v", got)
	}
	if got := other.lastInfo(t); len(got.Members) != 0 {
		t.Fatalf("other room leaked members: %+v", got)
	}

	if err := h.OnClose(b); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	if got := a.lastInfo(t); fmt.Sprint(got.Members) != "[{c false}]" {
		t.Fatalf("a info after leave = %+v", got)
	}
	if got := c.lastInfo(t); fmt.Sprint(got.Members) != "[{a true}]" {
		t.Fatalf("c info after leave = %+v", got)
	}

	room, _ := h.Room("home")
	if got := fmt.Sprint(room.Members()); got != "[a c]" {
		t.Fatalf("members = %s", got)
	}
}

func TestPingIsAnsweredOnlyToSender(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	a := newTraveller("a", "home")
	b := newTraveller("b", "home")
	h.OnConnect(a)
	h.OnConnect(b)
	a.reset()
	b.reset()

	if err := h.OnMessage(a, envelope(signaling.TypePing, "7", "b")); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}

	msgs := a.messages()
	if len(msgs) != 1 || msgs[0].typ != signaling.TypePong || msgs[0].payload != "7" {
		t.Fatalf("sender got %+v, want one pong 7", msgs)
	}
	if got := b.messages(); len(got) != 0 {
		t.Fatalf("ping leaked to b: %+v", got)
	}
}

func TestNonNumericPingIsRouted(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	a := newTraveller("a", "home")
	h.OnConnect(a)

	for _, payload := range []string{`"7"`, `null`, `true`, `{"n":7}`, `[7]`} {
		a.reset()
		if err := h.OnMessage(a, envelope(signaling.TypePing, payload, "")); !errors.Is(err, ErrUntargeted) {
			t.Fatalf("ping %s: err = %v, want ErrUntargeted", payload, err)
		}
		if got := a.messages(); len(got) != 0 {
			t.Fatalf("ping %s answered with %+v", payload, got)
		}
	}
}

func TestNegativeAndFractionalPingsAreAnswered(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	a := newTraveller("a", "home")
	h.OnConnect(a)

	for _, payload := range []string{"-1", "0", "2.5e3"} {
		a.reset()
		if err := h.OnMessage(a, envelope(signaling.TypePing, payload, "")); err != nil {
			t.Fatalf("ping %s: %v", payload, err)
		}
		if got := a.messages(); len(got) != 1 || got[0].typ != signaling.TypePong || got[0].payload != payload {
			t.Fatalf("ping %s answered with %+v", payload, got)
		}
	}
}

func TestProtocolErrorsAreNonFatal(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	a := newTraveller("a", "home")
	b := newTraveller("b", "home")
	h.OnConnect(a)
	h.OnConnect(b)

	if err := h.OnMessage(a, envelope(signaling.TypeDescription, `{"type":"offer","sdp":"x"}`, "")); !errors.Is(err, ErrUntargeted) {
		t.Fatalf("untargeted err = %v", err)
	}
	if err := h.OnMessage(a, envelope(signaling.TypeDescription, `{"type":"offer","sdp":"x"}`, "ghost")); !errors.Is(err, ErrTargetOffline) {
		t.Fatalf("offline err = %v", err)
	}

	// The sender is still a member and can keep talking.
	b.reset()
	if err := h.OnMessage(a, envelope(signaling.TypeCandidate, "null", "b")); err != nil {
		t.Fatalf("relay after errors: %v", err)
	}
	if msgs := b.messages(); len(msgs) != 1 {
		t.Fatalf("b got %+v", msgs)
	}
	if a.closed {
		t.Fatalf("sender was closed")
	}
}

func TestRelaySetsFromAndKeepsPayload(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	a := newTraveller("a", "home")
	b := newTraveller("b", "home")
	h.OnConnect(a)
	h.OnConnect(b)
	b.reset()

	payload := `{"type":"offer","sdp":"v=0\r\n"}`
	if err := h.OnMessage(a, envelope(signaling.TypeDescription, payload, "b")); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}

	msgs := b.messages()
	if len(msgs) != 1 {
		t.Fatalf("b got %+v", msgs)
	}
	if msgs[0].typ != signaling.TypeDescription || msgs[0].from != "a" || msgs[0].payload != payload {
		t.Fatalf("relayed = %+v", msgs[0])
	}
}

func TestRejoinReplacesAndClosesPreviousTraveller(t *testing.T) {
	h := New([]string{"home"}, quietLogger())
	old := newTraveller("a", "home")
	peer := newTraveller("b", "home")
	h.OnConnect(old)
	h.OnConnect(peer)

	fresh := newTraveller("a", "home")
	if err := h.OnConnect(fresh); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	if !old.closed {
		t.Fatalf("displaced traveller was not closed")
	}

	// The displaced connection closing late must not evict the new one.
	peer.reset()
	h.OnClose(old)
	if msgs := peer.messages(); len(msgs) != 0 {
		t.Fatalf("stale close broadcast %+v", msgs)
	}

	fresh.reset()
	if err := h.OnMessage(peer, envelope(signaling.TypeCandidate, "null", "a")); err != nil {
		t.Fatalf("relay to rejoined id: %v", err)
	}
	if msgs := fresh.messages(); len(msgs) != 1 || msgs[0].from != "b" {
		t.Fatalf("rejoined traveller got %+v", msgs)
	}
	if msgs := old.messages(); len(msgs) != 2 {
		// one info on its own join, one on b's join
		t.Fatalf("displaced traveller got %d messages after replacement", len(msgs))
	}
}

func TestRoomsSorted(t *testing.T) {
	h := New([]string{"misc", "coffee-chat", "home", "home"}, quietLogger())
	if got := fmt.Sprint(h.Rooms()); got != "[coffee-chat home misc]" {
		t.Fatalf("Rooms = %s", got)
	}
}
