package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
)

// userRecord persists presence.User.
type userRecord struct {
	Identity string  `gorm:"column:identity;primaryKey;size:190;not null"`
	Name     *string `gorm:"column:name;size:320"`
	Online   bool    `gorm:"column:online;not null;default:false;index:idx_users_presence,priority:1"`
	Active   bool    `gorm:"column:is_active;not null;default:false;index:idx_users_presence,priority:2"`
}

func (userRecord) TableName() string {
	return "users"
}

// cursorRecord persists presence.Cursor. Timestamps are unix microseconds.
type cursorRecord struct {
	Identity          string  `gorm:"column:identity;primaryKey;size:190;not null"`
	X                 float64 `gorm:"column:x;not null"`
	Y                 float64 `gorm:"column:y;not null"`
	LastUpdatedMicros int64   `gorm:"column:last_updated_us;not null"`
}

func (cursorRecord) TableName() string {
	return "cursors"
}

// messageRecord persists presence.Message.
type messageRecord struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Sender     string `gorm:"column:sender;size:190;not null;index"`
	SentMicros int64  `gorm:"column:sent_us;not null;index:idx_messages_sent,priority:1"`
	Text       string `gorm:"column:text;type:text;not null"`
}

func (messageRecord) TableName() string {
	return "messages"
}

func newUserRecord(user presence.User) userRecord {
	record := userRecord{
		Identity: user.Identity.String(),
		Online:   user.Online,
		Active:   user.Active,
	}
	if name, ok := user.DisplayName(); ok {
		record.Name = &name
	}
	return record
}

func (r userRecord) toUser() presence.User {
	return presence.User{
		Identity: presence.Identity(r.Identity),
		Name:     r.Name,
		Online:   r.Online,
		Active:   r.Active,
	}
}

func newCursorRecord(cursor presence.Cursor) cursorRecord {
	return cursorRecord{
		Identity:          cursor.Identity.String(),
		X:                 cursor.X,
		Y:                 cursor.Y,
		LastUpdatedMicros: cursor.LastUpdated.UnixMicro(),
	}
}

func (r cursorRecord) toCursor() presence.Cursor {
	return presence.Cursor{
		Identity:    presence.Identity(r.Identity),
		X:           r.X,
		Y:           r.Y,
		LastUpdated: time.UnixMicro(r.LastUpdatedMicros).UTC(),
	}
}

func newMessageRecord(message presence.Message) messageRecord {
	return messageRecord{
		ID:         message.ID,
		Sender:     message.Sender.String(),
		SentMicros: message.Sent.UnixMicro(),
		Text:       message.Text,
	}
}

func (r messageRecord) toMessage() presence.Message {
	return presence.Message{
		ID:     r.ID,
		Sender: presence.Identity(r.Sender),
		Sent:   time.UnixMicro(r.SentMicros).UTC(),
		Text:   r.Text,
	}
}
