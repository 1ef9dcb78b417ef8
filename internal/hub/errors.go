package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound matches every *RoomNotFoundError.
	ErrRoomNotFound = errors.New("room not found")

	ErrUntargeted    = errors.New("traveller@message untargeted message")
	ErrTargetOffline = errors.New("traveller@message target not online")
)

// RoomNotFoundError is returned when a traveller names a room that was not
// provisioned. It is the only error that refuses a connection.
type RoomNotFoundError struct {
	Room string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room not found: %q", e.Room)
}

func (e *RoomNotFoundError) Is(target error) bool {
	return target == ErrRoomNotFound
}
