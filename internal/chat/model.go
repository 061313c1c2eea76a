package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BufferKind enumerates the buffer flavours exposed by the server.
type BufferKind string

const (
	// BufferKindSystem is the per-server console buffer that anchors its channels.
	BufferKindSystem BufferKind = "system"
	// BufferKindNormal is a channel or private conversation owned by a system buffer.
	BufferKindNormal BufferKind = "normal"
)

// LineKind enumerates the kinds of lines a buffer can display.
type LineKind string

const (
	LineKindMessage LineKind = "message"
	LineKindAction  LineKind = "action"
	LineKindJoin    LineKind = "join"
	LineKindQuit    LineKind = "quit"
	LineKindPart    LineKind = "part"
	LineKindNotice  LineKind = "notice"
	LineKindOther   LineKind = "other"
)

var (
	// ErrInvalidID indicates that an identifier is not a positive integer.
	ErrInvalidID = errors.New("chat: invalid id")
	// ErrInvalidBufferKind indicates an unknown buffer kind.
	ErrInvalidBufferKind = errors.New("chat: invalid buffer kind")
	// ErrMissingBuffer indicates a line without a buffer reference.
	ErrMissingBuffer = errors.New("chat: line buffer required")
)

type UserID int64

type BufferID int64

// LineID identifies a line. Line ids increase monotonically.
type LineID int64

func ParseUserID(raw string) (UserID, error) {
	value, err := parseID(raw)
	return UserID(value), err
}

func ParseBufferID(raw string) (BufferID, error) {
	value, err := parseID(raw)
	return BufferID(value), err
}

func ParseLineID(raw string) (LineID, error) {
	value, err := parseID(raw)
	return LineID(value), err
}

func parseID(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, value)
	}
	return value, nil
}

func (id UserID) String() string   { return strconv.FormatInt(int64(id), 10) }
func (id BufferID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id LineID) String() string   { return strconv.FormatInt(int64(id), 10) }

// ParseLineKind maps wire values onto known kinds; unknown values become LineKindOther.
func ParseLineKind(raw string) LineKind {
	switch kind := LineKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case LineKindMessage, LineKindAction, LineKindJoin, LineKindQuit, LineKindPart, LineKindNotice:
		return kind
	case "":
		return LineKindMessage
	default:
		return LineKindOther
	}
}

func (k *LineKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = ParseLineKind(raw)
	return nil
}

// Timestamp is a point in time carried on the wire as (possibly fractional) unix seconds.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// UnmarshalJSON accepts a JSON number of seconds since the epoch.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		ts.Time = time.Time{}
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("chat: invalid timestamp: %w", err)
	}
	whole, frac := math.Modf(seconds)
	ts.Time = time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	return nil
}

// MarshalJSON emits unix seconds with sub-second precision.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	seconds := float64(ts.UnixNano()) / float64(time.Second)
	return json.Marshal(seconds)
}

// User is a participant known to the server.
type User struct {
	ID       UserID `json:"id"`
	Nick     string `json:"nick"`
	Realname string `json:"realname,omitempty"`
	Username string `json:"username,omitempty"`
	Host     string `json:"host,omitempty"`
	// Color is assigned by the client on first materialization.
	Color string `json:"color,omitempty"`
}

// AnonymousUserNick is displayed for lines that carry no user.
const AnonymousUserNick = "*"

// AnonymousUser returns the placeholder attached to lines without a resolvable user.
func AnonymousUser() User {
	return User{Nick: AnonymousUserNick, Color: AnonymousColor}
}

// IsAnonymous reports whether u is the synthetic placeholder.
func (u User) IsAnonymous() bool {
	return u.ID == 0
}

// Buffer is a channel, query or server console.
type Buffer struct {
	ID     BufferID   `json:"id"`
	Kind   BufferKind `json:"kind"`
	Name   string     `json:"name"`
	Server *BufferID  `json:"server,omitempty"`
}

// Validate checks the structural invariants of a buffer.
func (b Buffer) Validate() error {
	if b.ID <= 0 {
		return fmt.Errorf("%w: buffer %d", ErrInvalidID, b.ID)
	}
	switch b.Kind {
	case BufferKindSystem:
		return nil
	case BufferKindNormal:
		if b.Server == nil || *b.Server <= 0 {
			return fmt.Errorf("%w: normal buffer %d has no system buffer", ErrInvalidBufferKind, b.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBufferKind, b.Kind)
	}
}

// ServerID returns the system buffer reference, or zero when absent.
func (b Buffer) ServerID() BufferID {
	if b.Server == nil {
		return 0
	}
	return *b.Server
}

// Line is a single immutable entry displayed in a buffer.
type Line struct {
	ID        LineID    `json:"id"`
	Buffer    BufferID  `json:"buffer"`
	User      *UserID   `json:"user,omitempty"`
	Kind      LineKind  `json:"kind"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
}

// Validate checks the structural invariants of a line.
func (l Line) Validate() error {
	if l.ID <= 0 {
		return fmt.Errorf("%w: line %d", ErrInvalidID, l.ID)
	}
	if l.Buffer <= 0 {
		return fmt.Errorf("%w: line %d", ErrMissingBuffer, l.ID)
	}
	return nil
}

// UserID returns the user reference, or zero when the line carries no user.
func (l Line) UserID() UserID {
	if l.User == nil {
		return 0
	}
	return *l.User
}
