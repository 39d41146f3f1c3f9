package relay

import (
	"errors"
	"strings"
)

var (
	ErrMissingKind     = errors.New("message type is required")
	ErrUnknownKind     = errors.New("unknown message type")
	ErrUnknownRole     = errors.New("unknown sender role")
	ErrEmptyText       = errors.New("text message body is empty")
	ErrMissingFileName = errors.New("file message has no file name")
)

// Validate checks that msg has the fields its kind requires. A file message
// without a payload is still valid; callers flag it with DataMissing.
func Validate(msg Message) error {
	switch msg.From {
	case RoleUser, RoleAdmin:
	default:
		return ErrUnknownRole
	}

	switch msg.Type {
	case "":
		return ErrMissingKind
	case KindText:
		if strings.TrimSpace(msg.Text) == "" {
			return ErrEmptyText
		}
	case KindFile:
		if strings.TrimSpace(msg.FileName) == "" {
			return ErrMissingFileName
		}
	default:
		return ErrUnknownKind
	}
	return nil
}
