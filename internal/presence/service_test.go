package presence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "presence.service.new.missing_store" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestNewServiceDefaultsIdleThreshold(t *testing.T) {
	service, err := NewService(ServiceConfig{Store: NewMemoryStore()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if service.IdleThreshold() != DefaultIdleThreshold {
		t.Fatalf("expected default threshold, got %s", service.IdleThreshold())
	}
}

func TestOnConnectCreatesUserForNewIdentity(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	alice := mustIdentity(t, "alice")

	changes, err := service.OnConnect(context.Background(), callerAt(alice, 0))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Table != TableUser || changes[0].Kind != ChangeInsert {
		t.Fatalf("expected one user insert, got %#v", changes)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected exactly one user row, got %d", len(users))
	}
	user := users[0]
	if !user.Online || !user.Active {
		t.Fatalf("expected online and active user, got %#v", user)
	}
	if user.Name != nil {
		t.Fatalf("expected no name, got %q", *user.Name)
	}
	if StateOf(&user) != StateOnlineActive {
		t.Fatalf("unexpected state %s", StateOf(&user))
	}
}

func TestOnConnectPreservesNameOnReconnect(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")

	if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := service.SetName(ctx, callerAt(alice, time.Millisecond), "Alice"); err != nil {
		t.Fatalf("set name failed: %v", err)
	}
	if _, err := service.OnDisconnect(ctx, callerAt(alice, 2*time.Millisecond)); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	changes, err := service.OnConnect(ctx, callerAt(alice, time.Second))
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeUpdate {
		t.Fatalf("expected user update on reconnect, got %#v", changes)
	}
	user := findUser(t, store, alice)
	if user == nil || !user.Online || !user.Active {
		t.Fatalf("expected reconnected user to be online and active, got %#v", user)
	}
	name, ok := user.DisplayName()
	if !ok || name != "Alice" {
		t.Fatalf("expected name to survive reconnect, got %q (set=%v)", name, ok)
	}
}

func TestOnDisconnectMarksUserOffline(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")

	if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	changes, err := service.OnDisconnect(ctx, callerAt(alice, time.Second))
	if err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if len(changes) != 1 || changes[0].User.Online || changes[0].User.Active {
		t.Fatalf("expected offline user change, got %#v", changes)
	}
	user := findUser(t, store, alice)
	if StateOf(user) != StateOffline {
		t.Fatalf("expected offline state, got %s", StateOf(user))
	}
}

func TestOnDisconnectUnknownIdentityIsLoggedNoOp(t *testing.T) {
	store := NewMemoryStore()
	core, logs := observer.New(zapcore.DebugLevel)
	service, err := NewService(ServiceConfig{Store: store, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	ghost := mustIdentity(t, "ghost")

	changes, err := service.OnDisconnect(context.Background(), callerAt(ghost, 0))
	if err != nil {
		t.Fatalf("expected disconnect of unknown identity to succeed, got %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %#v", changes)
	}
	if user := findUser(t, store, ghost); user != nil {
		t.Fatalf("expected no user row to be created, got %#v", user)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 || warnings[0].Message != "no user found for disconnected client" {
		t.Fatalf("expected a single warning, got %#v", warnings)
	}
}

func TestSetNameUnknownIdentityIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	stranger := mustIdentity(t, "stranger")

	changes, err := service.SetName(context.Background(), callerAt(stranger, 0), "Nobody")
	if err != nil {
		t.Fatalf("expected rename of unknown identity to succeed, got %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %#v", changes)
	}
	if user := findUser(t, store, stranger); user != nil {
		t.Fatalf("expected no user row, got %#v", user)
	}
}

func TestValidationFailuresDoNotTouchStore(t *testing.T) {
	alice := mustIdentity(t, "alice")
	tests := []struct {
		name     string
		call     func(*Service) ([]Change, error)
		sentinel error
		code     string
	}{
		{
			name: "empty-name",
			call: func(s *Service) ([]Change, error) {
				return s.SetName(context.Background(), callerAt(alice, 0), "")
			},
			sentinel: ErrEmptyName,
			code:     "presence.set_name.empty_name",
		},
		{
			name: "empty-message",
			call: func(s *Service) ([]Change, error) {
				return s.SendMessage(context.Background(), callerAt(alice, 0), "")
			},
			sentinel: ErrEmptyMessage,
			code:     "presence.send_message.empty_message",
		},
		{
			name: "nan-position",
			call: func(s *Service) ([]Change, error) {
				return s.UpdateCursor(context.Background(), callerAt(alice, 0), math.NaN(), 1)
			},
			sentinel: ErrInvalidPosition,
			code:     "presence.update_cursor.invalid_position",
		},
		{
			name: "empty-identity",
			call: func(s *Service) ([]Change, error) {
				return s.OnConnect(context.Background(), Caller{Timestamp: baseTime})
			},
			sentinel: ErrInvalidIdentity,
			code:     "presence.connect.invalid_identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingStore{Store: NewMemoryStore()}
			service := newTestService(t, store)

			changes, err := tt.call(service)
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if !IsValidation(err) {
				t.Fatalf("expected validation classification for %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != tt.code {
				t.Fatalf("expected code %q, got %v", tt.code, err)
			}
			if changes != nil {
				t.Fatalf("expected no changes, got %#v", changes)
			}
			if store.transactions != 0 {
				t.Fatalf("expected no store access, got %d transactions", store.transactions)
			}
		})
	}
}

func TestSendMessageAppendsInOrder(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")

	if _, err := service.SendMessage(ctx, callerAt(bob, time.Second), "later"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if _, err := service.SendMessage(ctx, callerAt(alice, 0), "first"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	changes, err := service.SendMessage(ctx, callerAt(bob, 0), "tie")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Table != TableMessage || changes[0].Message.ID != 3 {
		t.Fatalf("expected third message insert, got %#v", changes)
	}

	messages, err := service.Messages(ctx)
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	expected := []string{"first", "tie", "later"}
	if len(messages) != len(expected) {
		t.Fatalf("expected %d messages, got %d", len(expected), len(messages))
	}
	for index, text := range expected {
		if messages[index].Text != text {
			t.Fatalf("expected %q at index %d, got %q", text, index, messages[index].Text)
		}
	}
	if messages[0].Sender != alice {
		t.Fatalf("expected alice as sender, got %s", messages[0].Sender)
	}
}

func TestUpdateCursorFirstSampleCreatesCursorAndActivates(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")

	if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := store.Transact(ctx, func(tx Tx) error {
		return tx.UpdateUser(User{Identity: alice, Online: true, Active: false})
	}); err != nil {
		t.Fatalf("failed to idle user: %v", err)
	}

	changes, err := service.UpdateCursor(ctx, callerAt(alice, time.Hour), 3, 4)
	if err != nil {
		t.Fatalf("update cursor failed: %v", err)
	}
	if len(changes) != 2 || changes[0].Kind != ChangeInsert || changes[1].Table != TableUser {
		t.Fatalf("expected cursor insert and user update, got %#v", changes)
	}
	cursors := listCursors(t, store)
	if len(cursors) != 1 || cursors[0].X != 3 || cursors[0].Y != 4 {
		t.Fatalf("unexpected cursors %#v", cursors)
	}
	if user := findUser(t, store, alice); !user.Active {
		t.Fatalf("expected first sample to activate user")
	}
}

func TestUpdateCursorStalenessThreshold(t *testing.T) {
	tests := []struct {
		name         string
		gap          time.Duration
		expectActive bool
	}{
		{name: "within-threshold", gap: testThreshold / 2, expectActive: true},
		{name: "at-threshold", gap: testThreshold, expectActive: true},
		{name: "beyond-threshold", gap: testThreshold + time.Millisecond, expectActive: false},
		{name: "clock-skew", gap: -time.Second, expectActive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			service := newTestService(t, store)
			ctx := context.Background()
			alice := mustIdentity(t, "alice")

			if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
				t.Fatalf("connect failed: %v", err)
			}
			start := 10 * time.Second
			if _, err := service.UpdateCursor(ctx, callerAt(alice, start), 0, 0); err != nil {
				t.Fatalf("first update failed: %v", err)
			}
			if _, err := service.UpdateCursor(ctx, callerAt(alice, start+tt.gap), 1, 1); err != nil {
				t.Fatalf("second update failed: %v", err)
			}
			user := findUser(t, store, alice)
			if user.Active != tt.expectActive {
				t.Fatalf("expected active=%v, got %v", tt.expectActive, user.Active)
			}
			if !user.Online {
				t.Fatalf("staleness must not change online")
			}
			if cursors := listCursors(t, store); len(cursors) != 1 {
				t.Fatalf("expected exactly one cursor row, got %d", len(cursors))
			}
		})
	}
}

func TestUpdateCursorDoesNotActivateOfflineUser(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")
	ghost := mustIdentity(t, "ghost")

	if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := service.OnDisconnect(ctx, callerAt(alice, time.Millisecond)); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	changes, err := service.UpdateCursor(ctx, callerAt(alice, 2*time.Millisecond), 5, 5)
	if err != nil {
		t.Fatalf("update cursor failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Table != TableCursor {
		t.Fatalf("expected only a cursor change, got %#v", changes)
	}
	if _, err := service.UpdateCursor(ctx, callerAt(ghost, 0), 1, 1); err != nil {
		t.Fatalf("update cursor for unknown identity failed: %v", err)
	}
	if user := findUser(t, store, ghost); user != nil {
		t.Fatalf("cursor updates must not create users, got %#v", user)
	}
	assertActiveImpliesOnline(t, store)
}

func TestPresenceLifecycleScenario(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")

	steps := []struct {
		name         string
		call         func() error
		expectOnline bool
		expectActive bool
	}{
		{
			name: "connect",
			call: func() error {
				_, err := service.OnConnect(ctx, callerAt(alice, 0))
				return err
			},
			expectOnline: true,
			expectActive: true,
		},
		{
			name: "first-cursor",
			call: func() error {
				_, err := service.UpdateCursor(ctx, callerAt(alice, 0), 1, 2)
				return err
			},
			expectOnline: true,
			expectActive: true,
		},
		{
			name: "stale-cursor",
			call: func() error {
				_, err := service.UpdateCursor(ctx, callerAt(alice, 10*testThreshold), 3, 4)
				return err
			},
			expectOnline: true,
			expectActive: false,
		},
		{
			name: "fresh-cursor",
			call: func() error {
				_, err := service.UpdateCursor(ctx, callerAt(alice, 10*testThreshold+time.Millisecond), 5, 6)
				return err
			},
			expectOnline: true,
			expectActive: true,
		},
		{
			name: "disconnect",
			call: func() error {
				_, err := service.OnDisconnect(ctx, callerAt(alice, 11*testThreshold))
				return err
			},
			expectOnline: false,
			expectActive: false,
		},
	}

	for _, step := range steps {
		if err := step.call(); err != nil {
			t.Fatalf("%s: unexpected error: %v", step.name, err)
		}
		user := findUser(t, store, alice)
		if user == nil {
			t.Fatalf("%s: expected user row", step.name)
		}
		if user.Online != step.expectOnline || user.Active != step.expectActive {
			t.Fatalf("%s: expected online=%v active=%v, got %#v", step.name, step.expectOnline, step.expectActive, user)
		}
		assertActiveImpliesOnline(t, store)
	}
	if cursors := listCursors(t, store); len(cursors) != 1 {
		t.Fatalf("expected one cursor row after scenario, got %d", len(cursors))
	}
}

func TestStoreFailureRollsBackWholeCall(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failUserUpdate: true}
	service := newTestService(t, store)
	ctx := context.Background()
	alice := mustIdentity(t, "alice")

	if _, err := service.OnConnect(ctx, callerAt(alice, 0)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := store.MemoryStore.Transact(ctx, func(tx Tx) error {
		return tx.InsertCursor(Cursor{Identity: alice, LastUpdated: baseTime})
	}); err != nil {
		t.Fatalf("failed to seed cursor: %v", err)
	}

	changes, err := service.UpdateCursor(ctx, callerAt(alice, time.Hour), 9, 9)
	if err == nil {
		t.Fatalf("expected store failure to reject the call")
	}
	if changes != nil {
		t.Fatalf("expected no changes on failure, got %#v", changes)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "presence.update_cursor.user_update_failed" {
		t.Fatalf("unexpected error %v", err)
	}
	cursors := listCursors(t, store.MemoryStore)
	if len(cursors) != 1 || cursors[0].X != 0 || !cursors[0].LastUpdated.Equal(baseTime) {
		t.Fatalf("expected cursor write to be rolled back, got %#v", cursors)
	}
}

func TestTransactionFailureIsWrapped(t *testing.T) {
	service := newTestService(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := service.OnConnect(ctx, callerAt(mustIdentity(t, "alice"), 0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "presence.connect.transaction_failed" {
		t.Fatalf("unexpected error %v", err)
	}
}

// failingStore fails user updates so tests can observe rollback of earlier writes in the same unit.
type failingStore struct {
	*MemoryStore
	failUserUpdate bool
}

func (f *failingStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	return f.MemoryStore.Transact(ctx, func(tx Tx) error {
		return fn(&failingTx{Tx: tx, failUserUpdate: f.failUserUpdate})
	})
}

type failingTx struct {
	Tx
	failUserUpdate bool
}

func (f *failingTx) UpdateUser(user User) error {
	if f.failUserUpdate {
		return errors.New("disk full")
	}
	return f.Tx.UpdateUser(user)
}

func TestCallerIdentityAndTimestampAreNormalized(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	padded := Caller{Identity: "  alice ", Timestamp: baseTime.Add(1500 * time.Nanosecond)}

	changes, err := service.OnConnect(context.Background(), padded)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if changes[0].User.Identity != "alice" {
		t.Fatalf("expected trimmed identity in change, got %q", changes[0].User.Identity)
	}
	if findUser(t, store, "alice") == nil {
		t.Fatalf("expected user stored under trimmed identity")
	}
	if findUser(t, store, "  alice ") != nil {
		t.Fatalf("user must not be stored under the padded identity")
	}

	changes, err = service.UpdateCursor(context.Background(), padded, 1, 1)
	if err != nil {
		t.Fatalf("cursor update failed: %v", err)
	}
	if !changes[0].Cursor.LastUpdated.Equal(baseTime.Add(time.Microsecond)) {
		t.Fatalf("expected microsecond timestamp, got %s", changes[0].Cursor.LastUpdated)
	}
}

func TestUpdateCursorGapOfExactlyThresholdWithSubMicrosecondStart(t *testing.T) {
	store := NewMemoryStore()
	service := newTestService(t, store)
	alice := mustIdentity(t, "alice")
	start := 500 * time.Nanosecond

	if _, err := service.OnConnect(context.Background(), callerAt(alice, start)); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := service.UpdateCursor(context.Background(), callerAt(alice, start), 0, 0); err != nil {
		t.Fatalf("first cursor failed: %v", err)
	}
	changes, err := service.UpdateCursor(context.Background(), callerAt(alice, start+testThreshold), 1, 1)
	if err != nil {
		t.Fatalf("second cursor failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected only the cursor change for a gap of exactly the threshold, got %+v", changes)
	}
	if user := findUser(t, store, alice); !user.Active {
		t.Fatalf("expected user to stay active, got %+v", user)
	}
}
