package presence

// Table names a replicated table.
type Table string

const (
	TableUser    Table = "user"
	TableCursor  Table = "cursor"
	TableMessage Table = "message"
)

// ChangeKind names the mutation applied to a row.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is a committed row mutation that the transport forwards to subscribers.
// Exactly one of User, Cursor or Message is set, matching Table.
type Change struct {
	Table   Table
	Kind    ChangeKind
	User    *User
	Cursor  *Cursor
	Message *Message
}

// Row returns the row carried by the change.
func (c Change) Row() any {
	switch c.Table {
	case TableUser:
		return c.User
	case TableCursor:
		return c.Cursor
	case TableMessage:
		return c.Message
	default:
		return nil
	}
}

func userChange(kind ChangeKind, user User) Change {
	return Change{Table: TableUser, Kind: kind, User: &user}
}

func cursorChange(kind ChangeKind, cursor Cursor) Change {
	return Change{Table: TableCursor, Kind: kind, Cursor: &cursor}
}

func messageChange(message Message) Change {
	return Change{Table: TableMessage, Kind: ChangeInsert, Message: &message}
}
