package presence

import (
	"context"
	"testing"
	"time"
)

const testThreshold = 100 * time.Millisecond

var baseTime = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func mustIdentity(t *testing.T, value string) Identity {
	t.Helper()
	id, err := NewIdentity(value)
	if err != nil {
		t.Fatalf("unexpected identity error: %v", err)
	}
	return id
}

func callerAt(identity Identity, offset time.Duration) Caller {
	return Caller{Identity: identity, Timestamp: baseTime.Add(offset)}
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:         store,
		IdleThreshold: testThreshold,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func findUser(t *testing.T, store *MemoryStore, identity Identity) *User {
	t.Helper()
	var found *User
	err := store.Transact(context.Background(), func(tx Tx) error {
		user, err := tx.FindUser(identity)
		found = user
		return err
	})
	if err != nil {
		t.Fatalf("failed to read user: %v", err)
	}
	return found
}

func listCursors(t *testing.T, store *MemoryStore) []Cursor {
	t.Helper()
	cursors, err := store.ListCursors(context.Background())
	if err != nil {
		t.Fatalf("failed to list cursors: %v", err)
	}
	return cursors
}

func assertActiveImpliesOnline(t *testing.T, store *MemoryStore) {
	t.Helper()
	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("failed to list users: %v", err)
	}
	for _, user := range users {
		if user.Active && !user.Online {
			t.Fatalf("user %s is active while offline", user.Identity)
		}
	}
}

// countingStore records how many units of work reached the underlying store.
type countingStore struct {
	Store
	transactions int
}

func (c *countingStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	c.transactions++
	return c.Store.Transact(ctx, fn)
}
