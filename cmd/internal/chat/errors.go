package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when the caller is not one of the chat's two users.
	ErrNotParticipant = errors.New("not a participant")

	// ErrSelfChat is returned when a user tries to open a chat with themselves.
	ErrSelfChat = errors.New("cannot chat with yourself")

	// ErrConflict is returned when a chat for the same pair and product already exists.
	ErrConflict = errors.New("conflict")

	// ErrCipher is returned when message text cannot be sealed or opened.
	ErrCipher = errors.New("cipher failure")
)

// OpError carries the failing operation and a sentinel Kind callers can match with errors.Is.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
