package presence

import "time"

// validateName rejects empty display names. Whitespace-only names are accepted as given.
func validateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

func validateMessage(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	return nil
}

func newMessage(sender Identity, sent time.Time, text string) Message {
	return Message{
		Sender: sender,
		Sent:   sent,
		Text:   text,
	}
}
