package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultSlowDelivery = 5 * time.Second
	pingWriteTimeout    = 10 * time.Second
	maxFrameBytes       = 65536
)

var (
	// ErrMissingURL indicates the listener was configured without a push endpoint.
	ErrMissingURL = errors.New("push: url required")
)

type ListenerConfig struct {
	URL string
	// Header is called before every dial so refreshed session cookies are picked up.
	Header       func() http.Header
	Dialer       *websocket.Dialer
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	// SlowDelivery is how long a blocked hand-off waits before it is reported.
	SlowDelivery time.Duration
	Logger       *zap.Logger
}

// Listener keeps one logical connection to the push endpoint and re-dials on drop.
type Listener struct {
	url          string
	header       func() http.Header
	dialer       *websocket.Dialer
	minBackoff   time.Duration
	maxBackoff   time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
	slowDelivery time.Duration
	logger       *zap.Logger

	connected   atomic.Bool
	connections atomic.Int64
	dropped     atomic.Int64
	stalled     atomic.Int64
}

// NewListener validates the configuration and returns a listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, ErrMissingURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("push: invalid url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("push: unsupported url scheme %q", parsed.Scheme)
	}

	header := cfg.Header
	if header == nil {
		header = func() http.Header { return nil }
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	slowDelivery := cfg.SlowDelivery
	if slowDelivery <= 0 {
		slowDelivery = defaultSlowDelivery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Listener{
		url:          parsed.String(),
		header:       header,
		dialer:       dialer,
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		slowDelivery: slowDelivery,
		logger:       logger,
	}, nil
}

func (l *Listener) Connected() bool {
	return l.connected.Load()
}

func (l *Listener) Connections() int64 {
	return l.connections.Load()
}

func (l *Listener) DroppedFrames() int64 {
	return l.dropped.Load()
}

func (l *Listener) StalledDeliveries() int64 {
	return l.stalled.Load()
}

// Run delivers notifications to out until ctx ends. Connection failures never end Run;
// it re-dials after a backoff. Delivery blocks when out is full.
func (l *Listener) Run(ctx context.Context, out chan<- chat.Notification) error {
	backoff := l.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		established, err := l.connectAndRead(ctx, out)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if established {
			backoff = l.minBackoff
		}
		l.logger.Warn("push connection lost",
			zap.String("url", l.url),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) connectAndRead(ctx context.Context, out chan<- chat.Notification) (bool, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.url, l.header())
	if err != nil {
		return false, fmt.Errorf("dial push: %w", err)
	}
	l.connected.Store(true)
	l.connections.Add(1)
	l.logger.Info("push connected", zap.String("url", l.url))

	done := make(chan struct{})
	defer func() {
		close(done)
		l.connected.Store(false)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go l.pingLoop(conn, done)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		notification, err := chat.DecodeNotification(frame)
		if errors.Is(err, chat.ErrIgnoredFrame) {
			l.logger.Debug("push frame ignored", zap.Error(err))
			continue
		}
		if err != nil {
			l.dropped.Add(1)
			l.logger.Warn("push frame dropped", zap.ByteString("frame", frame), zap.Error(err))
			continue
		}

		if err := l.deliver(ctx, out, notification); err != nil {
			return true, err
		}
		// frames queued in the socket while delivery was blocked are still readable
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	}
}

func (l *Listener) deliver(ctx context.Context, out chan<- chat.Notification, notification chat.Notification) error {
	select {
	case out <- notification:
		return nil
	default:
	}

	started := time.Now()
	timer := time.NewTimer(l.slowDelivery)
	defer timer.Stop()
	reported := false
	for {
		select {
		case out <- notification:
			if reported {
				l.logger.Info("push delivery resumed", zap.Duration("blocked", time.Since(started)))
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if !reported {
				reported = true
				l.stalled.Add(1)
				l.logger.Warn("push delivery blocked",
					zap.String("type", string(notification.Type)),
					zap.Duration("blocked", time.Since(started)),
					zap.Int("queued", len(out)))
			}
		}
	}
}

func (l *Listener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
