package presence

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. Units of work run one at a time and
// stage their writes until the unit function returns without error.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[Identity]User
	cursors       map[Identity]Cursor
	messages      []Message
	nextMessageID int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[Identity]User),
		cursors: make(map[Identity]Cursor),
	}
}

func (m *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:         m,
		users:         make(map[Identity]User),
		cursors:       make(map[Identity]Cursor),
		nextMessageID: m.nextMessageID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	maps.Copy(m.users, tx.users)
	maps.Copy(m.cursors, tx.cursors)
	m.messages = append(m.messages, tx.messages...)
	m.nextMessageID = tx.nextMessageID
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users := slices.Collect(maps.Values(m.users))
	slices.SortFunc(users, func(a, b User) int {
		return compareIdentity(a.Identity, b.Identity)
	})
	return users, nil
}

func (m *MemoryStore) ListCursors(ctx context.Context) ([]Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cursors := slices.Collect(maps.Values(m.cursors))
	slices.SortFunc(cursors, func(a, b Cursor) int {
		return compareIdentity(a.Identity, b.Identity)
	})
	return cursors, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages), nil
}

type memoryTx struct {
	store         *MemoryStore
	users         map[Identity]User
	cursors       map[Identity]Cursor
	messages      []Message
	nextMessageID int64
}

func (tx *memoryTx) FindUser(identity Identity) (*User, error) {
	if user, ok := tx.users[identity]; ok {
		return &user, nil
	}
	if user, ok := tx.store.users[identity]; ok {
		return &user, nil
	}
	return nil, nil
}

func (tx *memoryTx) InsertUser(user User) error {
	if existing, _ := tx.FindUser(user.Identity); existing != nil {
		return fmt.Errorf("%w: user %s", ErrDuplicateKey, user.Identity)
	}
	tx.users[user.Identity] = cloneUser(user)
	return nil
}

func (tx *memoryTx) UpdateUser(user User) error {
	if existing, _ := tx.FindUser(user.Identity); existing == nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, user.Identity)
	}
	tx.users[user.Identity] = cloneUser(user)
	return nil
}

func (tx *memoryTx) FindCursor(identity Identity) (*Cursor, error) {
	if cursor, ok := tx.cursors[identity]; ok {
		return &cursor, nil
	}
	if cursor, ok := tx.store.cursors[identity]; ok {
		return &cursor, nil
	}
	return nil, nil
}

func (tx *memoryTx) InsertCursor(cursor Cursor) error {
	if existing, _ := tx.FindCursor(cursor.Identity); existing != nil {
		return fmt.Errorf("%w: cursor %s", ErrDuplicateKey, cursor.Identity)
	}
	tx.cursors[cursor.Identity] = cursor
	return nil
}

func (tx *memoryTx) UpdateCursor(cursor Cursor) error {
	if existing, _ := tx.FindCursor(cursor.Identity); existing == nil {
		return fmt.Errorf("%w: cursor %s", ErrNotFound, cursor.Identity)
	}
	tx.cursors[cursor.Identity] = cursor
	return nil
}

func (tx *memoryTx) InsertMessage(message Message) (Message, error) {
	tx.nextMessageID++
	message.ID = tx.nextMessageID
	tx.messages = append(tx.messages, message)
	return message, nil
}

// cloneUser detaches the name pointer so callers cannot mutate stored rows.
func cloneUser(user User) User {
	if user.Name != nil {
		user.Name = pointerTo(*user.Name)
	}
	return user
}

func compareIdentity(a, b Identity) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
