package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentityLength = 190

var (
	// ErrInvalidIdentity indicates that a caller identity is empty or exceeds storage bounds.
	ErrInvalidIdentity = errors.New("presence: invalid identity")
	// ErrEmptyName indicates that a display name was empty.
	ErrEmptyName = errors.New("presence: names must not be empty")
	// ErrEmptyMessage indicates that a chat message had no text.
	ErrEmptyMessage = errors.New("presence: messages must not be empty")
	// ErrInvalidPosition indicates that a cursor coordinate was NaN or infinite.
	ErrInvalidPosition = errors.New("presence: cursor position must be finite")
)

// Identity is the opaque, stable token that names a client across reconnects.
type Identity string

// NewIdentity validates raw input and returns an Identity.
func NewIdentity(rawInput string) (Identity, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > maxIdentityLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentityLength)
	}
	return Identity(trimmed), nil
}

// String returns the underlying identifier.
func (id Identity) String() string {
	return string(id)
}

// Caller carries the identity and server timestamp attached to a single call.
type Caller struct {
	Identity  Identity
	Timestamp time.Time
}

// User is the presence row for one identity.
type User struct {
	Identity Identity `json:"identity"`
	Name     *string  `json:"name"`
	Online   bool     `json:"online"`
	Active   bool     `json:"active"`
}

// DisplayName returns the name and whether one has been set.
func (u User) DisplayName() (string, bool) {
	if u.Name == nil {
		return "", false
	}
	return *u.Name, true
}

// Cursor is the last recorded pointer position for one identity.
type Cursor struct {
	Identity    Identity  `json:"identity"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Message is an append-only chat entry. ID is assigned by the store in arrival order.
type Message struct {
	ID     int64     `json:"id"`
	Sender Identity  `json:"sender"`
	Sent   time.Time `json:"sent"`
	Text   string    `json:"text"`
}

func pointerTo(value string) *string {
	v := value
	return &v
}
