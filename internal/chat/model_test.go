package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeNotificationLine(t *testing.T) {
	notification, err := DecodeNotification([]byte(`{"type":"line","line":6,"buffer":10}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if notification.Type != NotificationLine || notification.Line != 6 || notification.Buffer != 10 {
		t.Fatalf("unexpected notification: %#v", notification)
	}
}

func TestDecodeNotificationRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		`not json`,
		`{}`,
		`{"type":"line"}`,
		`{"type":"buffer","buffer":0}`,
		`{"type":"user"}`,
		`{"type":"nonsense","line":1}`,
	}
	for _, frame := range frames {
		if _, err := DecodeNotification([]byte(frame)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected malformed frame error for %s, got %v", frame, err)
		}
	}
}

func TestDecodeNotificationIgnoresKnownServerFrames(t *testing.T) {
	_, err := DecodeNotification([]byte(`{"type":"membership","membership":3,"user":1,"buffer":2}`))
	if !errors.Is(err, ErrIgnoredFrame) {
		t.Fatalf("expected ignored frame error, got %v", err)
	}
}

func TestDecodeNotificationLastLineEmptyHistory(t *testing.T) {
	notification, err := DecodeNotification([]byte(`{"type":"last_line","line":-1}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if notification.Type != NotificationLastLine || notification.Line != 0 {
		t.Fatalf("unexpected notification: %#v", notification)
	}
}

func TestLineDecodesFractionalTimestampAndUnknownKind(t *testing.T) {
	var line Line
	payload := `{"id":5,"buffer":10,"user":null,"kind":"mode","content":"+o a","timestamp":1700000000.5}`
	if err := json.Unmarshal([]byte(payload), &line); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if line.Kind != LineKindOther {
		t.Fatalf("expected unknown kind to map to other, got %q", line.Kind)
	}
	if line.User != nil {
		t.Fatalf("expected no user reference")
	}
	expected := time.Unix(1700000000, int64(500*time.Millisecond)).UTC()
	if !line.Timestamp.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, line.Timestamp.Time)
	}
}

func TestBufferValidateRequiresSystemAnchorForNormalBuffers(t *testing.T) {
	normal := Buffer{ID: 11, Kind: BufferKindNormal, Name: "#go"}
	if err := normal.Validate(); !errors.Is(err, ErrInvalidBufferKind) {
		t.Fatalf("expected invalid buffer kind error, got %v", err)
	}
	server := BufferID(10)
	normal.Server = &server
	if err := normal.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestColorForIsStable(t *testing.T) {
	first := ColorFor(42)
	for i := 0; i < 10; i++ {
		if ColorFor(42) != first {
			t.Fatalf("expected stable color for the same id")
		}
	}
}

func TestParseIDsRejectNonPositive(t *testing.T) {
	if _, err := ParseBufferID("0"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
	if _, err := ParseLineID("abc"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
	id, err := ParseUserID(" 7 ")
	if err != nil || id != 7 {
		t.Fatalf("expected 7, got %d (%v)", id, err)
	}
}
