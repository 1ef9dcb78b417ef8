package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message type constants.
const (
	TypeInfo        = "info"
	TypeDescription = "description"
	TypeCandidate   = "candidate"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes carried by an "error" envelope.
const (
	CodeRoomNotSet   = "room_not_set"
	CodeRoomNotFound = "room_not_found"
)

var (
	ErrMissingType  = errors.New("envelope has no type")
	ErrReservedType = errors.New("envelope type collides with a reserved key")
)

// Envelope is the unit exchanged over the wire in both directions.
//
// The payload is keyed by the envelope's own type:
//
//	{"type":"ping","ping":7,"target":"...","from":"..."}
type Envelope struct {
	Type    string
	Payload json.RawMessage
	Target  string
	From    string
}

// NewEnvelope marshals payload into an Envelope. A nil payload is omitted from
// the wire; a typed nil (such as a nil candidate pointer) is sent as null.
func NewEnvelope(typ string, payload any, target, from string) (Envelope, error) {
	env := Envelope{Type: typ, Target: target, From: from}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// Encode marshals payload into a ready-to-send frame.
func Encode(typ string, payload any, target, from string) ([]byte, error) {
	env, err := NewEnvelope(typ, payload, target, from)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the payload into v. An absent payload decodes like null.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func reserved(typ string) bool {
	return typ == "type" || typ == "target" || typ == "from"
}

// MarshalJSON writes the keys in a fixed order: type, payload, target, from.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}
	if reserved(e.Type) {
		return nil, fmt.Errorf("%w: %q", ErrReservedType, e.Type)
	}

	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(e.Payload) > 0 {
		if !json.Valid(e.Payload) {
			return nil, fmt.Errorf("encode %s payload: invalid JSON", e.Type)
		}
		buf.WriteByte(',')
		buf.Write(typ)
		buf.WriteByte(':')
		if err := json.Compact(&buf, e.Payload); err != nil {
			return nil, err
		}
	}
	if e.Target != "" {
		target, _ := json.Marshal(e.Target)
		buf.WriteString(`,"target":`)
		buf.Write(target)
	}
	if e.From != "" {
		from, _ := json.Marshal(e.From)
		buf.WriteString(`,"from":`)
		buf.Write(from)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the payload from the key named by "type". Browsers send
// "target": null for broadcast-less messages, which decodes as no target.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return fmt.Errorf("envelope type: %w", err)
		}
	}
	if typ == "" {
		return ErrMissingType
	}
	if reserved(typ) {
		return fmt.Errorf("%w: %q", ErrReservedType, typ)
	}

	target, err := optionalString(fields, "target")
	if err != nil {
		return err
	}
	from, err := optionalString(fields, "from")
	if err != nil {
		return err
	}

	*e = Envelope{Type: typ, Payload: fields[typ], Target: target, From: from}
	return nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("envelope %s: %w", key, err)
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// RoomMember is one entry of a roster. Polite is relative to the member the
// roster was sent to.
type RoomMember struct {
	ID     string `json:"id"`
	Polite bool   `json:"polite"`
}

// InfoSignal tells a member its own id and everyone else in the room.
type InfoSignal struct {
	ID      string       `json:"id"`
	Members []RoomMember `json:"members"`
}

// ErrorSignal is the payload of an "error" envelope.
type ErrorSignal struct {
	Code string `json:"code"`
}

// ServerError is an "error" envelope received from the signaling server.
type ServerError struct {
	Code string
}

func (e *ServerError) Error() string {
	return "signaling server error: " + e.Code
}
