package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrNoEngine         = errors.New("no engine")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
	ErrGreetingNotOpen  = errors.New("greeting channel not open")

	ErrRollbackUnsupported = errors.New("engine cannot roll back a negotiated local offer")
)

// Error is a failure while negotiating with one peer. The negotiator keeps
// running after emitting one.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
