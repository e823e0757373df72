package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Store implements presence.Store on top of GORM. Each unit of work runs in
// its own database transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Transact(ctx context.Context, fn func(tx presence.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *Store) ListUsers(ctx context.Context) ([]presence.User, error) {
	var records []userRecord
	if err := s.db.WithContext(ctx).Order("identity ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	users := make([]presence.User, 0, len(records))
	for _, record := range records {
		users = append(users, record.toUser())
	}
	return users, nil
}

func (s *Store) ListCursors(ctx context.Context) ([]presence.Cursor, error) {
	var records []cursorRecord
	if err := s.db.WithContext(ctx).Order("identity ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	cursors := make([]presence.Cursor, 0, len(records))
	for _, record := range records {
		cursors = append(cursors, record.toCursor())
	}
	return cursors, nil
}

func (s *Store) ListMessages(ctx context.Context) ([]presence.Message, error) {
	var records []messageRecord
	if err := s.db.WithContext(ctx).Order("sent_us ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	messages := make([]presence.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toMessage())
	}
	return messages, nil
}

// ResetPresence marks every user offline. Connections do not survive a
// process restart, so rows left online by a previous run are stale.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("online = ? OR is_active = ?", true, true).
		Updates(map[string]any{"online": false, "is_active": false})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("stale presence reset", zap.Int64("users", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) FindUser(identity presence.Identity) (*presence.User, error) {
	var record userRecord
	err := t.db.Where("identity = ?", identity.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user := record.toUser()
	return &user, nil
}

func (t *gormTx) InsertUser(user presence.User) error {
	existing, err := t.FindUser(user.Identity)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: user %s", presence.ErrDuplicateKey, user.Identity)
	}
	record := newUserRecord(user)
	return translateError(t.db.Create(&record).Error)
}

func (t *gormTx) UpdateUser(user presence.User) error {
	record := newUserRecord(user)
	var name any
	if record.Name != nil {
		name = *record.Name
	}
	result := t.db.Model(&userRecord{}).
		Where("identity = ?", record.Identity).
		Updates(map[string]any{
			"name":      name,
			"online":    record.Online,
			"is_active": record.Active,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s", presence.ErrNotFound, user.Identity)
	}
	return nil
}

func (t *gormTx) FindCursor(identity presence.Identity) (*presence.Cursor, error) {
	var record cursorRecord
	err := t.db.Where("identity = ?", identity.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cursor := record.toCursor()
	return &cursor, nil
}

func (t *gormTx) InsertCursor(cursor presence.Cursor) error {
	existing, err := t.FindCursor(cursor.Identity)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: cursor %s", presence.ErrDuplicateKey, cursor.Identity)
	}
	record := newCursorRecord(cursor)
	return translateError(t.db.Create(&record).Error)
}

func (t *gormTx) UpdateCursor(cursor presence.Cursor) error {
	record := newCursorRecord(cursor)
	result := t.db.Model(&cursorRecord{}).
		Where("identity = ?", record.Identity).
		Updates(map[string]any{
			"x":               record.X,
			"y":               record.Y,
			"last_updated_us": record.LastUpdatedMicros,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: cursor %s", presence.ErrNotFound, cursor.Identity)
	}
	return nil
}

func (t *gormTx) InsertMessage(message presence.Message) (presence.Message, error) {
	record := newMessageRecord(message)
	record.ID = 0
	if err := t.db.Create(&record).Error; err != nil {
		return presence.Message{}, translateError(err)
	}
	return record.toMessage(), nil
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", presence.ErrDuplicateKey, err)
	}
	return err
}
