package server

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
)

const (
	frameTypeIdentity     = "identity"
	frameTypeSnapshot     = "snapshot"
	frameTypeChange       = "change"
	frameTypeError        = "error"
	frameTypeSetName      = "set_name"
	frameTypeSendMessage  = "send_message"
	frameTypeUpdateCursor = "update_cursor"
)

var (
	errUnknownFrame   = errors.New("unknown frame type")
	errMalformedFrame = errors.New("malformed frame")
)

// clientFrame is an inbound websocket frame. Fields are pointers so a missing
// field can be told apart from a zero value.
type clientFrame struct {
	Type string   `json:"type"`
	Name *string  `json:"name,omitempty"`
	Text *string  `json:"text,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`
}

type identityFrame struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

type snapshotFrame struct {
	Type     string             `json:"type"`
	Users    []presence.User    `json:"users"`
	Cursors  []presence.Cursor  `json:"cursors"`
	Messages []presence.Message `json:"messages"`
}

type changeFrame struct {
	Type      string              `json:"type"`
	Table     presence.Table      `json:"table"`
	Kind      presence.ChangeKind `json:"kind"`
	Row       any                 `json:"row"`
	Timestamp time.Time           `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newChangeFrame(change presence.Change, timestamp time.Time) changeFrame {
	return changeFrame{
		Type:      frameTypeChange,
		Table:     change.Table,
		Kind:      change.Kind,
		Row:       change.Row(),
		Timestamp: timestamp,
	}
}

func newChangeFrames(changes []presence.Change, timestamp time.Time) []changeFrame {
	frames := make([]changeFrame, 0, len(changes))
	for _, change := range changes {
		frames = append(frames, newChangeFrame(change, timestamp))
	}
	return frames
}

func newErrorFrame(err error) errorFrame {
	code, message := describeError(err)
	return errorFrame{Type: frameTypeError, Code: code, Message: message}
}

// describeError returns a stable code and a client-safe message.
func describeError(err error) (string, string) {
	var serviceErr *presence.ServiceError
	switch {
	case presence.IsValidation(err) && errors.As(err, &serviceErr):
		return serviceErr.Code(), validationMessage(err)
	case errors.Is(err, errUnknownFrame), errors.Is(err, errMalformedFrame):
		return "invalid_frame", err.Error()
	default:
		return "internal_error", "the call could not be applied"
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, presence.ErrEmptyName):
		return presence.ErrEmptyName.Error()
	case errors.Is(err, presence.ErrEmptyMessage):
		return presence.ErrEmptyMessage.Error()
	case errors.Is(err, presence.ErrInvalidPosition):
		return presence.ErrInvalidPosition.Error()
	default:
		return presence.ErrInvalidIdentity.Error()
	}
}
