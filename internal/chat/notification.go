package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NotificationType tags a push frame.
type NotificationType string

const (
	NotificationLine     NotificationType = "line"
	NotificationBuffer   NotificationType = "buffer"
	NotificationUser     NotificationType = "user"
	NotificationLastLine NotificationType = "last_line"
)

// ErrMalformedFrame indicates a push frame that could not be decoded.
var ErrMalformedFrame = errors.New("chat: malformed push frame")

// ErrIgnoredFrame indicates a well-formed frame of a type the client does not materialize.
var ErrIgnoredFrame = errors.New("chat: ignored push frame")

// ignoredFrameTypes are emitted by the server but carry nothing the client renders.
var ignoredFrameTypes = map[string]struct{}{
	"server":            {},
	"membership":        {},
	"delete_membership": {},
}

// Notification is a decoded push frame. Only identifiers are carried.
type Notification struct {
	Type   NotificationType
	Line   LineID
	Buffer BufferID
	User   UserID
}

type notificationFrame struct {
	Type   string `json:"type"`
	Line   *int64 `json:"line"`
	Buffer *int64 `json:"buffer"`
	User   *int64 `json:"user"`
}

// DecodeNotification parses a push frame into a typed notification.
func DecodeNotification(data []byte) (Notification, error) {
	var frame notificationFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch NotificationType(frame.Type) {
	case NotificationLine:
		if frame.Line == nil || *frame.Line <= 0 {
			return Notification{}, fmt.Errorf("%w: line frame without line id", ErrMalformedFrame)
		}
		notification := Notification{Type: NotificationLine, Line: LineID(*frame.Line)}
		if frame.Buffer != nil {
			notification.Buffer = BufferID(*frame.Buffer)
		}
		return notification, nil
	case NotificationBuffer:
		if frame.Buffer == nil || *frame.Buffer <= 0 {
			return Notification{}, fmt.Errorf("%w: buffer frame without buffer id", ErrMalformedFrame)
		}
		return Notification{Type: NotificationBuffer, Buffer: BufferID(*frame.Buffer)}, nil
	case NotificationUser:
		if frame.User == nil || *frame.User <= 0 {
			return Notification{}, fmt.Errorf("%w: user frame without user id", ErrMalformedFrame)
		}
		return Notification{Type: NotificationUser, User: UserID(*frame.User)}, nil
	case NotificationLastLine:
		if frame.Line == nil {
			return Notification{}, fmt.Errorf("%w: last_line frame without line id", ErrMalformedFrame)
		}
		// -1 signals an empty history.
		lineID := *frame.Line
		if lineID < 0 {
			lineID = 0
		}
		return Notification{Type: NotificationLastLine, Line: LineID(lineID)}, nil
	case "":
		return Notification{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	if _, ok := ignoredFrameTypes[frame.Type]; ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrIgnoredFrame, frame.Type)
	}
	return Notification{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
}

// MarshalJSON encodes the notification in its wire shape.
func (n Notification) MarshalJSON() ([]byte, error) {
	frame := map[string]any{"type": n.Type}
	switch n.Type {
	case NotificationLine:
		frame["line"] = n.Line
		frame["buffer"] = n.Buffer
	case NotificationBuffer:
		frame["buffer"] = n.Buffer
	case NotificationUser:
		frame["user"] = n.User
	case NotificationLastLine:
		frame["line"] = n.Line
	}
	return json.Marshal(frame)
}
