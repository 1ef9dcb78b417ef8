package hub

import (
	"io"
	"slices"
	"sync"

	"github.com/BioHazard786/portal/internal/signaling"
)

// Room is a group of travellers that want to reach each other.
type Room struct {
	// ID is the name the room was provisioned with.
	ID string

	// mu serializes every mutation together with the broadcast that follows
	// it, so no member sees a half-applied join or leave.
	mu      sync.Mutex
	members map[string]Traveller
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]Traveller)}
}

// join inserts t, replacing a member with the same id, and broadcasts. The
// replaced traveller is returned so the caller can close it outside the lock.
func (r *Room) join(t Traveller) (displaced Traveller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.members[t.ID()]; ok && prev != t {
		displaced = prev
	}
	r.members[t.ID()] = t
	r.update()
	return displaced
}

// leave removes t if it is still the member registered under its id, and
// broadcasts. A traveller that was displaced by a rejoin is not a member
// anymore and its leave changes nothing.
func (r *Room) leave(t Traveller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.members[t.ID()]; !ok || cur != t {
		return false
	}
	delete(r.members, t.ID())
	r.update()
	return true
}

// relay sends an envelope to member id on behalf of from.
func (r *Room) relay(id, typ string, payload any, from string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	other, ok := r.members[id]
	if !ok {
		return false
	}
	other.Send(typ, payload, from)
	return true
}

// Members returns the ids of the current members in sorted order.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids()
}

func (r *Room) ids() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// update sends an "info" packet to each member containing every other member
// and its politeness. The caller holds r.mu.
func (r *Room) update() {
	ids := r.ids()
	for _, id := range ids {
		r.members[id].Send(signaling.TypeInfo, Roster(id, ids), "")
	}
}

// Roster builds the info signal for self out of every id in the room. For each
// other member p, self is polite towards p when self > p, so for any pair
// exactly one side is polite.
func Roster(self string, ids []string) signaling.InfoSignal {
	members := make([]signaling.RoomMember, 0, len(ids))
	for _, id := range ids {
		if id == self {
			continue
		}
		members = append(members, signaling.RoomMember{ID: id, Polite: self > id})
	}
	return signaling.InfoSignal{ID: self, Members: members}
}

func closeTraveller(t Traveller) {
	if c, ok := t.(io.Closer); ok {
		c.Close()
	}
}
