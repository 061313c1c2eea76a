package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newArchive(t *testing.T) (*Archive, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "transcript.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate transcript schema: %v", err)
	}
	archive, err := NewArchive(ArchiveConfig{
		Database: db,
		BaseURL:  "http://chat.local",
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	return archive, db
}

func lineEvent(id chat.LineID, buffer chat.BufferID, user *chat.User) render.Event {
	line := chat.Line{ID: id, Buffer: buffer, Kind: chat.LineKindMessage, Content: "line " + id.String()}
	return render.Event{
		Type:   render.EventLineAppended,
		Buffer: chat.Buffer{ID: buffer, Name: "#go"},
		Line:   &line,
		User:   user,
	}
}

func TestArchiveIsIdempotentPerLine(t *testing.T) {
	archive, db := newArchive(t)
	user := chat.User{ID: 1, Nick: "alice"}

	archive.Emit(lineEvent(1, 2, &user))
	archive.Emit(lineEvent(1, 2, &user))
	archive.Emit(lineEvent(2, 2, nil))
	archive.Emit(render.Event{Type: render.EventBufferCreated, Buffer: chat.Buffer{ID: 2}})

	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 archived lines, got %d", count)
	}

	entries, err := archive.Recent(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 || entries[0].LineID != 1 || entries[1].LineID != 2 {
		t.Fatalf("expected entries oldest first, got %#v", entries)
	}
	if entries[0].Nick != "alice" || entries[1].Nick != chat.AnonymousUserNick {
		t.Fatalf("unexpected nicks: %q, %q", entries[0].Nick, entries[1].Nick)
	}
	if entries[0].ArchivedAtS != 1700000000 {
		t.Fatalf("expected archive clock to be used")
	}
}

func TestRecentHonoursLimit(t *testing.T) {
	archive, _ := newArchive(t)
	for id := chat.LineID(1); id <= 5; id++ {
		archive.Emit(lineEvent(id, 3, nil))
	}
	entries, err := archive.Recent(context.Background(), 3, 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 || entries[0].LineID != 4 || entries[1].LineID != 5 {
		t.Fatalf("expected the two newest entries, got %#v", entries)
	}
}
