package rtc

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BioHazard786/portal/internal/events"
)

// GreetingLabel names the data channel peers introduce themselves on.
const GreetingLabel = "portal-greeting"

// Message types sent over the greeting channel.
const (
	MessageHello = "hello"
	MessageText  = "text"
)

// Message represents all greeting data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Hello is what a peer says about itself once the channel opens.
type Hello struct {
	ID      string `msgpack:"id"`
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
}

// Text is a free-form line sent to a peer.
type Text struct {
	Body string `msgpack:"body"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

type greetingEvent struct {
	hello Hello
	text  Text
}

// Greeting is a data channel on which both peers send a Hello when it opens.
// The impolite side creates it, so adding it never makes both sides offer at
// once; the polite side picks it up from the remote offer.
type Greeting struct {
	self   Hello
	log    *slog.Logger
	events *events.Emitter[greetingEvent]

	mu   sync.Mutex
	dc   *webrtc.DataChannel
	peer *Hello
}

// OpenGreeting attaches a greeting channel to engine. It must be called
// before the first negotiation with the peer.
func OpenGreeting(engine *PionEngine, polite bool, self Hello, logger *slog.Logger) (*Greeting, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Greeting{
		self:   self,
		log:    logger.With("component", "greeting"),
		events: events.New[greetingEvent](),
	}

	if polite {
		engine.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != GreetingLabel {
				return
			}
			g.attach(dc)
		})
		return g, nil
	}

	ordered := true
	dc, err := engine.CreateDataChannel(GreetingLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, NewError("create data channel", err)
	}
	g.attach(dc)
	return g, nil
}

func (g *Greeting) attach(dc *webrtc.DataChannel) {
	g.mu.Lock()
	g.dc = dc
	g.mu.Unlock()

	dc.OnOpen(func() {
		if err := g.send(MessageHello, g.self); err != nil {
			g.log.Warn("send hello", "err", err)
		}
	})
	dc.OnMessage(g.handleMessage)
}

func (g *Greeting) handleMessage(raw webrtc.DataChannelMessage) {
	var msg Message
	if err := msgpack.Unmarshal(raw.Data, &msg); err != nil {
		g.log.Warn("bad greeting message", "err", err)
		return
	}

	switch msg.Type {
	case MessageHello:
		var hello Hello
		if err := msg.DecodePayload(&hello); err != nil {
			g.log.Warn("bad hello", "err", err)
			return
		}
		g.mu.Lock()
		g.peer = &hello
		g.mu.Unlock()
		g.events.Emit(MessageHello, greetingEvent{hello: hello})

	case MessageText:
		var text Text
		if err := msg.DecodePayload(&text); err != nil {
			g.log.Warn("bad text", "err", err)
			return
		}
		g.events.Emit(MessageText, greetingEvent{text: text})

	default:
		g.log.Debug("unknown greeting message", "type", msg.Type)
	}
}

// Say sends a line of text to the peer.
func (g *Greeting) Say(body string) error {
	return g.send(MessageText, Text{Body: body})
}

func (g *Greeting) send(typ string, payload any) error {
	g.mu.Lock()
	dc := g.dc
	g.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return NewError("send "+typ, ErrGreetingNotOpen)
	}

	msg, err := NewMessage(typ, payload)
	if err != nil {
		return NewError("encode "+typ, err)
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return NewError("encode "+typ, err)
	}
	return dc.Send(data)
}

// Peer returns the peer's Hello once it arrived.
func (g *Greeting) Peer() (Hello, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peer == nil {
		return Hello{}, false
	}
	return *g.peer, true
}

// OnHello is called with the peer's Hello.
func (g *Greeting) OnHello(fn func(Hello)) func() {
	return g.events.On(MessageHello, func(ev greetingEvent) { fn(ev.hello) })
}

// OnText is called for each line the peer sends.
func (g *Greeting) OnText(fn func(Text)) func() {
	return g.events.On(MessageText, func(ev greetingEvent) { fn(ev.text) })
}
