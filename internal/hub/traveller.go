package hub

// Traveller is the server-side handle of one connected client, supplied by
// the transport layer. Room must be resolved before the hub sees it.
//
// Send is called while a room lock is held and must not block.
type Traveller interface {
	ID() string
	Room() string
	Send(typ string, payload any, from string)
}
