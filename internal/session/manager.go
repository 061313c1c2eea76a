// Package session restores, verifies and renews the session token before the sync
// core starts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/restapi"
	"go.uber.org/zap"
)

// ErrLoginRequired indicates that no valid session exists and no credentials are configured.
var ErrLoginRequired = errors.New("session: login required, run `possel-client login`")

// Authenticator is the subset of the REST client used for sessions.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	VerifySession(ctx context.Context) error
	SetToken(token string)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Client   Authenticator
	Tokens   *TokenStore
	BaseURL  string
	Username string
	Password string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager routes the client through the stored token or the login flow.
type Manager struct {
	client   Authenticator
	tokens   *TokenStore
	baseURL  string
	username string
	password string
	clock    func() time.Time
	logger   *zap.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session: client required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("session: token store required")
	}
	baseURL := NormalizeBaseURL(cfg.BaseURL)
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:   cfg.Client,
		tokens:   cfg.Tokens,
		baseURL:  baseURL,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Ensure leaves the client holding an accepted token. A stored token is reused when
// the server accepts it; otherwise configured credentials log in, and without
// credentials ErrLoginRequired is returned.
func (m *Manager) Ensure(ctx context.Context) error {
	stored, err := m.tokens.Load(ctx, m.baseURL)
	switch {
	case errors.Is(err, ErrNoToken):
		m.logger.Info("no stored session", zap.String("server", m.baseURL))
	case err != nil:
		return fmt.Errorf("session: load token: %w", err)
	case Expired(stored.Token, m.clock()):
		m.logger.Info("stored session expired", zap.String("server", m.baseURL))
	default:
		m.client.SetToken(stored.Token)
		verifyErr := m.client.VerifySession(ctx)
		if verifyErr == nil {
			m.logger.Info("session restored", zap.String("server", m.baseURL))
			return nil
		}
		if !errors.Is(verifyErr, restapi.ErrUnauthorized) {
			return fmt.Errorf("session: verify: %w", verifyErr)
		}
		m.logger.Info("stored session rejected", zap.String("server", m.baseURL))
	}

	if m.username == "" {
		return ErrLoginRequired
	}
	return m.Login(ctx, m.username, m.password)
}

// Login obtains a new token and persists it for the server.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	token, err := m.client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	m.client.SetToken(token)
	if err := m.tokens.Save(ctx, m.baseURL, username, token); err != nil {
		return fmt.Errorf("session: save token: %w", err)
	}
	m.logger.Info("session established", zap.String("server", m.baseURL), zap.String("username", username))
	return nil
}

// Logout forgets the stored token.
func (m *Manager) Logout(ctx context.Context) error {
	m.client.SetToken("")
	return m.tokens.Delete(ctx, m.baseURL)
}
