package presence

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceConfig describes the dependencies of the presence service.
type ServiceConfig struct {
	Store         Store
	IdleThreshold time.Duration
	Logger        *zap.Logger
}

// Service applies client events to the store as atomic units of work and
// reports the committed row changes.
type Service struct {
	store         Store
	idleThreshold time.Duration
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	threshold := cfg.IdleThreshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:         cfg.Store,
		idleThreshold: threshold,
		logger:        logger,
	}, nil
}

// IdleThreshold returns the freshness window used by UpdateCursor.
func (s *Service) IdleThreshold() time.Duration {
	return s.idleThreshold
}

// OnConnect marks the caller online and active, creating its user row on first contact.
func (s *Service) OnConnect(ctx context.Context, caller Caller) ([]Change, error) {
	caller, err := s.normalizeCaller(opConnect, caller)
	if err != nil {
		return nil, err
	}

	var changes []Change
	err = s.transact(ctx, opConnect, caller, func(tx Tx) error {
		existing, err := tx.FindUser(caller.Identity)
		if err != nil {
			return newServiceError(opConnect, "user_select_failed", err)
		}
		next, kind := connectTransition(existing, caller.Identity)
		if kind == ChangeInsert {
			err = tx.InsertUser(next)
		} else {
			err = tx.UpdateUser(next)
		}
		if err != nil {
			return newServiceError(opConnect, "user_"+string(kind)+"_failed", err)
		}
		changes = append(changes, userChange(kind, next))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("client connected",
		zap.String("identity", caller.Identity.String()),
		zap.Bool("returning", changes[0].Kind == ChangeUpdate))
	return changes, nil
}

// OnDisconnect marks the caller offline. A disconnect for an identity without
// a user row is logged and otherwise ignored.
func (s *Service) OnDisconnect(ctx context.Context, caller Caller) ([]Change, error) {
	caller, err := s.normalizeCaller(opDisconnect, caller)
	if err != nil {
		return nil, err
	}

	var changes []Change
	err = s.transact(ctx, opDisconnect, caller, func(tx Tx) error {
		existing, err := tx.FindUser(caller.Identity)
		if err != nil {
			return newServiceError(opDisconnect, "user_select_failed", err)
		}
		next, ok := disconnectTransition(existing)
		if !ok {
			s.logger.Warn("no user found for disconnected client",
				zap.String("identity", caller.Identity.String()))
			return nil
		}
		if err := tx.UpdateUser(next); err != nil {
			return newServiceError(opDisconnect, "user_update_failed", err)
		}
		changes = append(changes, userChange(ChangeUpdate, next))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		s.logger.Info("client disconnected", zap.String("identity", caller.Identity.String()))
	}
	return changes, nil
}

// SetName updates the caller's display name. Unknown identities are ignored.
func (s *Service) SetName(ctx context.Context, caller Caller, name string) ([]Change, error) {
	caller, err := s.normalizeCaller(opSetName, caller)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, newServiceError(opSetName, "empty_name", err)
	}

	var changes []Change
	err = s.transact(ctx, opSetName, caller, func(tx Tx) error {
		existing, err := tx.FindUser(caller.Identity)
		if err != nil {
			return newServiceError(opSetName, "user_select_failed", err)
		}
		next, ok := renameTransition(existing, name)
		if !ok {
			s.logger.Debug("ignoring name for unknown identity",
				zap.String("identity", caller.Identity.String()))
			return nil
		}
		if err := tx.UpdateUser(next); err != nil {
			return newServiceError(opSetName, "user_update_failed", err)
		}
		changes = append(changes, userChange(ChangeUpdate, next))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// SendMessage appends a chat message from the caller.
func (s *Service) SendMessage(ctx context.Context, caller Caller, text string) ([]Change, error) {
	caller, err := s.normalizeCaller(opSendMessage, caller)
	if err != nil {
		return nil, err
	}
	if err := validateMessage(text); err != nil {
		return nil, newServiceError(opSendMessage, "empty_message", err)
	}
	s.logger.Info("message received",
		zap.String("identity", caller.Identity.String()),
		zap.String("text", text))

	var changes []Change
	err = s.transact(ctx, opSendMessage, caller, func(tx Tx) error {
		stored, err := tx.InsertMessage(newMessage(caller.Identity, caller.Timestamp, text))
		if err != nil {
			return newServiceError(opSendMessage, "message_insert_failed", err)
		}
		changes = append(changes, messageChange(stored))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// UpdateCursor records the caller's position and re-derives whether the caller
// is active from the gap since its previous position.
func (s *Service) UpdateCursor(ctx context.Context, caller Caller, x, y float64) ([]Change, error) {
	caller, err := s.normalizeCaller(opUpdateCursor, caller)
	if err != nil {
		return nil, err
	}
	if err := validatePosition(x, y); err != nil {
		return nil, newServiceError(opUpdateCursor, "invalid_position", err)
	}

	var changes []Change
	err = s.transact(ctx, opUpdateCursor, caller, func(tx Tx) error {
		previous, err := tx.FindCursor(caller.Identity)
		if err != nil {
			return newServiceError(opUpdateCursor, "cursor_select_failed", err)
		}
		observation := observeCursor(previous, caller.Identity, x, y, caller.Timestamp, s.idleThreshold)
		if observation.Kind == ChangeInsert {
			err = tx.InsertCursor(observation.Cursor)
		} else {
			err = tx.UpdateCursor(observation.Cursor)
		}
		if err != nil {
			return newServiceError(opUpdateCursor, "cursor_"+string(observation.Kind)+"_failed", err)
		}
		changes = append(changes, cursorChange(observation.Kind, observation.Cursor))

		user, err := tx.FindUser(caller.Identity)
		if err != nil {
			return newServiceError(opUpdateCursor, "user_select_failed", err)
		}
		next, changed := activityTransition(user, observation.Fresh)
		if !changed {
			return nil
		}
		if err := tx.UpdateUser(next); err != nil {
			return newServiceError(opUpdateCursor, "user_update_failed", err)
		}
		changes = append(changes, userChange(ChangeUpdate, next))
		if !observation.Fresh {
			s.logger.Debug("client idle",
				zap.String("identity", caller.Identity.String()),
				zap.Duration("elapsed", observation.Elapsed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// Users returns every user row.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.logError(opListUsers, reasonListError, err)
		return nil, newServiceError(opListUsers, reasonListError, err)
	}
	return users, nil
}

// Cursors returns every cursor row.
func (s *Service) Cursors(ctx context.Context) ([]Cursor, error) {
	cursors, err := s.store.ListCursors(ctx)
	if err != nil {
		s.logError(opListCursors, reasonListError, err)
		return nil, newServiceError(opListCursors, reasonListError, err)
	}
	return cursors, nil
}

// Messages returns the chat log ordered by sent time, ties in arrival order.
func (s *Service) Messages(ctx context.Context) ([]Message, error) {
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		s.logError(opListMessages, reasonListError, err)
		return nil, newServiceError(opListMessages, reasonListError, err)
	}
	slices.SortStableFunc(messages, func(a, b Message) int {
		if c := a.Sent.Compare(b.Sent); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return messages, nil
}

// normalizeCaller trims the identity and truncates the timestamp to the
// microsecond precision stores persist, so stored rows and emitted changes agree.
func (s *Service) normalizeCaller(operation string, caller Caller) (Caller, error) {
	identity, err := NewIdentity(caller.Identity.String())
	if err != nil {
		return Caller{}, newServiceError(operation, "invalid_identity", err)
	}
	return Caller{Identity: identity, Timestamp: truncateTimestamp(caller.Timestamp)}, nil
}

func (s *Service) transact(ctx context.Context, operation string, caller Caller, fn func(tx Tx) error) error {
	err := s.store.Transact(ctx, fn)
	if err == nil {
		return nil
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		err = newServiceError(operation, reasonTxFailed, err)
	}
	s.logError(operation, "rejected", err, zap.String("identity", caller.Identity.String()))
	return err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("presence service error", attrs...)
}
