// Package hub keeps track of who is in which room and routes signaling
// envelopes between the members of a room.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/BioHazard786/portal/internal/signaling"
)

// Hub is the central brain of the signaling server. The set of rooms is fixed
// when the hub is created, so the room map is never written afterwards and
// each room guards its own members.
type Hub struct {
	rooms map[string]*Room
	log   *slog.Logger
}

// New creates a Hub with one room per name. Duplicate names collapse.
func New(rooms []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		rooms: make(map[string]*Room, len(rooms)),
		log:   logger.With("component", "hub"),
	}
	for _, id := range rooms {
		h.rooms[id] = newRoom(id)
	}
	return h
}

// Rooms returns the provisioned room names in sorted order.
func (h *Hub) Rooms() []string {
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Room returns the room named id.
func (h *Hub) Room(id string) (*Room, error) {
	room, ok := h.rooms[id]
	if !ok {
		return nil, &RoomNotFoundError{Room: id}
	}
	return room, nil
}

// OnConnect admits t to its room and broadcasts the new roster. A traveller
// already registered under the same id is replaced and closed.
func (h *Hub) OnConnect(t Traveller) error {
	room, err := h.Room(t.Room())
	if err != nil {
		return err
	}

	h.log.Debug("socket@connect", "id", t.ID(), "room", room.ID)

	if displaced := room.join(t); displaced != nil {
		h.log.Info("traveller replaced by rejoin", "id", t.ID(), "room", room.ID)
		closeTraveller(displaced)
	}
	return nil
}

// OnMessage routes one envelope from t. Pings are answered directly, anything
// else is relayed verbatim to its target with from set to t's id. The
// returned errors are diagnostics; the connection stays usable.
func (h *Hub) OnMessage(t Traveller, env signaling.Envelope) error {
	room, err := h.Room(t.Room())
	if err != nil {
		return err
	}

	h.log.Debug("traveller@message", "id", t.ID(), "type", env.Type, "to", env.Target)

	if env.Type == signaling.TypePing && isNumber(env.Payload) {
		t.Send(signaling.TypePong, env.Payload, "")
		return nil
	}

	if env.Target == "" {
		return ErrUntargeted
	}

	if !room.relay(env.Target, env.Type, env.Payload, t.ID()) {
		return ErrTargetOffline
	}
	return nil
}

// OnClose removes t from its room and broadcasts the new roster.
func (h *Hub) OnClose(t Traveller) error {
	room, err := h.Room(t.Room())
	if err != nil {
		return err
	}

	h.log.Debug("traveller@close", "id", t.ID(), "room", room.ID)
	room.leave(t)
	return nil
}

// HandleTravellerError reports err to t when it is one the traveller can act
// on and logs everything else.
func (h *Hub) HandleTravellerError(t Traveller, err error) {
	h.log.Debug("traveller@error", "id", t.ID(), "err", err)

	if errors.Is(err, ErrRoomNotFound) {
		t.Send(signaling.TypeError, signaling.ErrorSignal{Code: signaling.CodeRoomNotFound}, "")
		return
	}
	h.log.Error("traveller error", "id", t.ID(), "room", t.Room(), "err", err)
}

func isNumber(raw json.RawMessage) bool {
	// json.Number also accepts null and numeric strings like "7".
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return false
	}
	var n json.Number
	return json.Unmarshal(raw, &n) == nil
}
