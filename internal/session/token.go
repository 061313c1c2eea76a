package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoToken indicates that no session token is stored for a server.
	ErrNoToken = errors.New("session: no stored token")
	// ErrMissingBaseURL indicates a token operation without a server base url.
	ErrMissingBaseURL = errors.New("session: base url required")
)

// StoredToken is the persisted session token of one server.
type StoredToken struct {
	BaseURL   string    `gorm:"column:base_url;primaryKey;size:512;not null"`
	Token     string    `gorm:"column:token;not null"`
	Username  string    `gorm:"column:username;size:190"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (StoredToken) TableName() string {
	return "session_tokens"
}

// NormalizeBaseURL is the key under which a server's token is stored.
func NormalizeBaseURL(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// TokenStore persists session tokens keyed by server base url.
type TokenStore struct {
	db *gorm.DB
}

// NewTokenStore wraps an already migrated database.
func NewTokenStore(db *gorm.DB) (*TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("session: database connection required")
	}
	return &TokenStore{db: db}, nil
}

// Load returns the token stored for baseURL or ErrNoToken.
func (s *TokenStore) Load(ctx context.Context, baseURL string) (StoredToken, error) {
	key := NormalizeBaseURL(baseURL)
	if key == "" {
		return StoredToken{}, ErrMissingBaseURL
	}
	var stored StoredToken
	err := s.db.WithContext(ctx).Where("base_url = ?", key).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredToken{}, ErrNoToken
	}
	if err != nil {
		return StoredToken{}, err
	}
	return stored, nil
}

// Save stores token for baseURL, replacing any previous token.
func (s *TokenStore) Save(ctx context.Context, baseURL, username, token string) error {
	key := NormalizeBaseURL(baseURL)
	if key == "" {
		return ErrMissingBaseURL
	}
	record := StoredToken{BaseURL: key, Token: token, Username: strings.TrimSpace(username)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "base_url"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "username", "updated_at"}),
	}).Create(&record).Error
}

// Delete forgets the token stored for baseURL.
func (s *TokenStore) Delete(ctx context.Context, baseURL string) error {
	return s.db.WithContext(ctx).Where("base_url = ?", NormalizeBaseURL(baseURL)).Delete(&StoredToken{}).Error
}
