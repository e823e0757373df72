package presence

import (
	"errors"
	"fmt"
)

// ServiceError tags a failure with the operation and reason that produced it.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "presence.service.new"
	opConnect       = "presence.connect"
	opDisconnect    = "presence.disconnect"
	opSetName       = "presence.set_name"
	opSendMessage   = "presence.send_message"
	opUpdateCursor  = "presence.update_cursor"
	opListUsers     = "presence.list_users"
	opListCursors   = "presence.list_cursors"
	opListMessages  = "presence.list_messages"
	reasonTxFailed  = "transaction_failed"
	reasonListError = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsValidation reports whether err is a rejected call caused by invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyName) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrInvalidPosition) ||
		errors.Is(err, ErrInvalidIdentity)
}
