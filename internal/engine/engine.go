// Package engine runs the sync core: bulk fetch, push listener, history backfill and
// the reconciler, tied together under one context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/history"
	"github.com/MarcoPoloResearchLab/possel-client/internal/reconcile"
	"github.com/MarcoPoloResearchLab/possel-client/internal/restapi"
	"github.com/MarcoPoloResearchLab/possel-client/internal/view"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNotificationBuffer = 256
	defaultTaskBuffer         = 64
)

var (
	errMissingClient     = errors.New("engine: rest client required")
	errMissingListener   = errors.New("engine: push listener required")
	errMissingBackfiller = errors.New("engine: backfiller required")
	errMissingReconciler = errors.New("engine: reconciler required")
)

// BulkFetcher loads the initial snapshot.
type BulkFetcher interface {
	FetchUsers(ctx context.Context, selector restapi.Selector) ([]chat.User, error)
	FetchBuffers(ctx context.Context, selector restapi.Selector) ([]chat.Buffer, error)
	FetchLastLine(ctx context.Context) ([]chat.Line, error)
}

// Listener delivers push notifications until ctx ends.
type Listener interface {
	Run(ctx context.Context, out chan<- chat.Notification) error
}

type Config struct {
	Client             BulkFetcher
	Listener           Listener
	Backfiller         *history.Backfiller
	Reconciler         *reconcile.Reconciler
	ViewAddress        string
	ViewHandler        http.Handler
	NotificationBuffer int
	Logger             *zap.Logger
}

// Engine owns the lifetime of the sync goroutines.
type Engine struct {
	client             BulkFetcher
	listener           Listener
	backfiller         *history.Backfiller
	reconciler         *reconcile.Reconciler
	viewAddress        string
	viewHandler        http.Handler
	notificationBuffer int
	logger             *zap.Logger

	syncedOnce sync.Once
	synced     chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Listener == nil {
		return nil, errMissingListener
	}
	if cfg.Backfiller == nil {
		return nil, errMissingBackfiller
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	buffer := cfg.NotificationBuffer
	if buffer <= 0 {
		buffer = defaultNotificationBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:             cfg.Client,
		listener:           cfg.Listener,
		backfiller:         cfg.Backfiller,
		reconciler:         cfg.Reconciler,
		viewAddress:        cfg.ViewAddress,
		viewHandler:        cfg.ViewHandler,
		notificationBuffer: buffer,
		logger:             logger,
		synced:             make(chan struct{}),
	}, nil
}

// Synced is closed once the bulk snapshot and backfill window have been queued.
func (e *Engine) Synced() <-chan struct{} {
	return e.synced
}

type snapshot struct {
	users   []chat.User
	buffers []chat.Buffer
	last    *chat.Line
}

// Run performs the startup sequence and then reconciles live notifications until
// ctx ends. Cancellation is a clean stop and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	initial, err := e.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	notifications := make(chan chat.Notification, e.notificationBuffer)
	tasks := make(chan reconcile.Task, defaultTaskBuffer)

	group.Go(func() error {
		return e.listener.Run(groupCtx, notifications)
	})
	group.Go(func() error {
		return e.reconciler.Run(groupCtx, tasks)
	})
	group.Go(func() error {
		defer close(tasks)
		return e.produce(groupCtx, initial, notifications, tasks)
	})
	if e.viewHandler != nil && e.viewAddress != "" {
		group.Go(func() error {
			return view.Serve(groupCtx, e.viewAddress, e.viewHandler, e.logger)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) fetchSnapshot(ctx context.Context) (snapshot, error) {
	users, err := e.client.FetchUsers(ctx, restapi.SelectAll)
	if err != nil {
		return snapshot{}, fmt.Errorf("engine: bulk fetch users: %w", err)
	}
	buffers, err := e.client.FetchBuffers(ctx, restapi.SelectAll)
	if err != nil {
		return snapshot{}, fmt.Errorf("engine: bulk fetch buffers: %w", err)
	}
	lastLines, err := e.client.FetchLastLine(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("engine: fetch last line: %w", err)
	}

	result := snapshot{users: users, buffers: orderBuffers(buffers)}
	if len(lastLines) > 0 {
		last := lastLines[0]
		result.last = &last
	}
	lastID := int64(0)
	if result.last != nil {
		lastID = int64(result.last.ID)
	}
	e.logger.Info("bulk snapshot fetched",
		zap.Int("users", len(users)),
		zap.Int("buffers", len(buffers)),
		zap.Int64("last_line", lastID))
	return result, nil
}

// produce feeds the reconciler in startup order: users, buffers, backfill window,
// then live notifications. Notifications wait in their channel until then.
func (e *Engine) produce(ctx context.Context, initial snapshot, notifications <-chan chat.Notification, tasks chan<- reconcile.Task) error {
	send := func(task reconcile.Task) error {
		select {
		case tasks <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, user := range initial.users {
		if err := send(reconcile.UserTask(reconcile.SourceBulk, user)); err != nil {
			return err
		}
	}
	for _, buffer := range initial.buffers {
		if err := send(reconcile.BufferTask(reconcile.SourceBulk, buffer)); err != nil {
			return err
		}
	}

	lines, err := e.backfiller.Fetch(ctx, initial.last)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Error("history backfill failed", zap.Error(err))
	}
	for _, line := range lines {
		if err := send(reconcile.LineTask(reconcile.SourceBackfill, line)); err != nil {
			return err
		}
	}
	e.syncedOnce.Do(func() { close(e.synced) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notification := <-notifications:
			if err := send(reconcile.NotificationTask(notification)); err != nil {
				return err
			}
		}
	}
}

// orderBuffers puts system buffers ahead of normal ones so bulk anchors exist
// before their channels; ids break ties.
func orderBuffers(buffers []chat.Buffer) []chat.Buffer {
	ordered := append([]chat.Buffer(nil), buffers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		left, right := ordered[i], ordered[j]
		if (left.Kind == chat.BufferKindSystem) != (right.Kind == chat.BufferKindSystem) {
			return left.Kind == chat.BufferKindSystem
		}
		return left.ID < right.ID
	})
	return ordered
}
