package presence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Tx updates that target a row which does not exist.
	ErrNotFound = errors.New("presence: record not found")
	// ErrDuplicateKey is returned by Tx inserts that collide with an existing key.
	ErrDuplicateKey = errors.New("presence: duplicate key")
)

// Tx is the view of the store available inside one unit of work.
// Find methods return a nil pointer and a nil error when the row is absent.
type Tx interface {
	FindUser(identity Identity) (*User, error)
	InsertUser(user User) error
	UpdateUser(user User) error

	FindCursor(identity Identity) (*Cursor, error)
	InsertCursor(cursor Cursor) error
	UpdateCursor(cursor Cursor) error

	// InsertMessage appends the message and returns it with its store-assigned ID.
	InsertMessage(message Message) (Message, error)
}

// Store runs units of work with per-call atomic commit. A unit whose function
// returns an error leaves no trace in the store.
type Store interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error

	ListUsers(ctx context.Context) ([]User, error)
	ListCursors(ctx context.Context) ([]Cursor, error)
	ListMessages(ctx context.Context) ([]Message, error)
}
