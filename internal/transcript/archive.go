// Package transcript archives rendered lines into the local database.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultRecentLimit  = 100
	maxRecentLimit      = 1000
)

// Entry is one archived line.
type Entry struct {
	BaseURL     string    `gorm:"column:base_url;primaryKey;size:512;not null"`
	LineID      int64     `gorm:"column:line_id;primaryKey;autoIncrement:false"`
	BufferID    int64     `gorm:"column:buffer_id;not null;index"`
	BufferName  string    `gorm:"column:buffer_name;size:190"`
	Kind        string    `gorm:"column:kind;size:16;not null"`
	Nick        string    `gorm:"column:nick;size:190"`
	Content     string    `gorm:"column:content"`
	LineTime    time.Time `gorm:"column:line_time"`
	ArchivedAtS int64     `gorm:"column:archived_at_s;not null"`
}

// TableName exposes the table backing the archive.
func (Entry) TableName() string {
	return "transcript_entries"
}

// ArchiveConfig wires an Archive.
type ArchiveConfig struct {
	Database *gorm.DB
	BaseURL  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Archive is a render sink persisting every appended line once.
type Archive struct {
	db      *gorm.DB
	baseURL string
	clock   func() time.Time
	logger  *zap.Logger
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("transcript: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: cfg.Database, baseURL: cfg.BaseURL, clock: clock, logger: logger}, nil
}

// Emit archives line-appended events and ignores the rest. Write failures are logged.
func (a *Archive) Emit(event render.Event) {
	if event.Type != render.EventLineAppended || event.Line == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := a.Record(ctx, event); err != nil {
		a.logger.Error("transcript write failed",
			zap.Int64("line_id", int64(event.Line.ID)),
			zap.Error(err))
	}
}

// Record stores the line carried by event. An already archived line id is left untouched.
func (a *Archive) Record(ctx context.Context, event render.Event) error {
	nick := chat.AnonymousUserNick
	if event.User != nil {
		nick = event.User.Nick
	}
	entry := Entry{
		BaseURL:     a.baseURL,
		LineID:      int64(event.Line.ID),
		BufferID:    int64(event.Line.Buffer),
		BufferName:  event.Buffer.Name,
		Kind:        string(event.Line.Kind),
		Nick:        nick,
		Content:     event.Line.Content,
		LineTime:    event.Line.Timestamp.Time,
		ArchivedAtS: a.clock().UTC().Unix(),
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// Recent returns up to limit archived entries of a buffer, oldest first.
func (a *Archive) Recent(ctx context.Context, buffer chat.BufferID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	var entries []Entry
	err := a.db.WithContext(ctx).
		Where("base_url = ? AND buffer_id = ?", a.baseURL, int64(buffer)).
		Order("line_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	for left, right := 0, len(entries)-1; left < right; left, right = left+1, right-1 {
		entries[left], entries[right] = entries[right], entries[left]
	}
	return entries, nil
}
