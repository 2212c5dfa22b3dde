package store

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a conversation, customer or tenant does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update lost a race against a
	// concurrent writer. Callers re-read and re-decide.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrDuplicate is returned when a message with the same external (provider)
	// id was already appended.
	ErrDuplicate = errors.New("duplicate message")
)

// GenNewID returns a time-ordered UUIDv7.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
