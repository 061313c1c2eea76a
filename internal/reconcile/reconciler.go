// Package reconcile turns push notifications and prefetched entities into store
// updates and render events, strictly in arrival order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	"github.com/MarcoPoloResearchLab/possel-client/internal/restapi"
	"github.com/MarcoPoloResearchLab/possel-client/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 4
	defaultTimeout      = 10 * time.Second
	defaultRetryDelay   = 250 * time.Millisecond
	defaultPendingLimit = 1024
)

// Fetcher resolves identifiers into full entities.
type Fetcher interface {
	FetchUsers(ctx context.Context, selector restapi.Selector) ([]chat.User, error)
	FetchBuffers(ctx context.Context, selector restapi.Selector) ([]chat.Buffer, error)
	FetchLineByID(ctx context.Context, id chat.LineID) ([]chat.Line, error)
}

// Config wires a Reconciler.
type Config struct {
	Fetcher      Fetcher
	Store        *store.Store
	State        *State
	Sink         render.Sink
	Workers      int
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	PendingLimit int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Reconciler resolves tasks concurrently and applies them sequentially.
type Reconciler struct {
	fetcher    Fetcher
	store      *store.Store
	state      *State
	sink       render.Sink
	workers    int
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	pending    *pendingQueue
}

// New validates cfg and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Fetcher == nil {
		return nil, newError(opNew, "missing_fetcher", errMissingFetcher)
	}
	if cfg.Store == nil {
		return nil, newError(opNew, "missing_store", errMissingStore)
	}

	reconciler := &Reconciler{
		fetcher:    cfg.Fetcher,
		store:      cfg.Store,
		state:      cfg.State,
		sink:       cfg.Sink,
		workers:    cfg.Workers,
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if reconciler.state == nil {
		reconciler.state = NewState()
	}
	if reconciler.sink == nil {
		reconciler.sink = render.Discard
	}
	if reconciler.workers <= 0 {
		reconciler.workers = defaultWorkers
	}
	if reconciler.timeout <= 0 {
		reconciler.timeout = defaultTimeout
	}
	if reconciler.retries < 0 {
		reconciler.retries = 0
	}
	if reconciler.retryDelay <= 0 {
		reconciler.retryDelay = defaultRetryDelay
	}
	if reconciler.clock == nil {
		reconciler.clock = time.Now
	}
	if reconciler.logger == nil {
		reconciler.logger = noOpLogger
	}
	limit := cfg.PendingLimit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	reconciler.pending = newPendingQueue(limit)
	return reconciler, nil
}

func (r *Reconciler) State() *State {
	return r.state
}

func (r *Reconciler) Store() *store.Store {
	return r.store
}

// Run consumes tasks until the channel is closed or ctx ends. Fetches run on up to
// Workers goroutines; results are applied one at a time in the order tasks arrived.
func (r *Reconciler) Run(ctx context.Context, tasks <-chan Task) error {
	group, groupCtx := errgroup.WithContext(ctx)
	jobs := make(chan *job, r.workers)
	ordered := make(chan *job, r.workers*4)

	group.Go(func() error {
		defer close(jobs)
		defer close(ordered)
		for {
			var task Task
			var ok bool
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case task, ok = <-tasks:
				if !ok {
					return nil
				}
			}
			next := &job{task: task, done: make(chan struct{})}
			select {
			case ordered <- next:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
			select {
			case jobs <- next:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})

	for worker := 0; worker < r.workers; worker++ {
		group.Go(func() error {
			for next := range jobs {
				next.result = r.resolve(groupCtx, next.task)
				close(next.done)
			}
			return nil
		})
	}

	group.Go(func() error {
		for next := range ordered {
			select {
			case <-next.done:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
			r.apply(next.task, next.result)
		}
		return nil
	})

	return group.Wait()
}

func (r *Reconciler) resolve(ctx context.Context, task Task) resolution {
	switch {
	case task.User != nil:
		return resolution{user: task.User}
	case task.Buffer != nil:
		return resolution{buffer: task.Buffer}
	case task.Line != nil:
		return resolution{line: task.Line, lineUser: r.resolveLineUser(ctx, *task.Line)}
	}

	notification := task.Notification
	switch notification.Type {
	case chat.NotificationUser:
		user, err := fetchOne(r, ctx, restapi.ResourceUser, int64(notification.User), func(attemptCtx context.Context) ([]chat.User, error) {
			return r.fetcher.FetchUsers(attemptCtx, restapi.ID(notification.User))
		})
		return resolution{user: user, err: err}
	case chat.NotificationBuffer:
		buffer, err := fetchOne(r, ctx, restapi.ResourceBuffer, int64(notification.Buffer), func(attemptCtx context.Context) ([]chat.Buffer, error) {
			return r.fetcher.FetchBuffers(attemptCtx, restapi.ID(notification.Buffer))
		})
		return resolution{buffer: buffer, err: err}
	case chat.NotificationLine:
		line, err := fetchOne(r, ctx, restapi.ResourceLine, int64(notification.Line), func(attemptCtx context.Context) ([]chat.Line, error) {
			return r.fetcher.FetchLineByID(attemptCtx, notification.Line)
		})
		if err != nil {
			return resolution{err: err}
		}
		return resolution{line: line, lineUser: r.resolveLineUser(ctx, *line)}
	case chat.NotificationLastLine:
		lastLine := notification.Line
		return resolution{lastLine: &lastLine}
	default:
		return resolution{err: fmt.Errorf("unsupported notification type %q", notification.Type)}
	}
}

// resolveLineUser fetches the author of a line when the store does not know it yet.
// Failures fall back to the anonymous placeholder at render time.
func (r *Reconciler) resolveLineUser(ctx context.Context, line chat.Line) *chat.User {
	userID := line.UserID()
	if userID == 0 {
		return nil
	}
	if _, ok := r.store.User(userID); ok {
		return nil
	}
	user, err := fetchOne(r, ctx, restapi.ResourceUser, int64(userID), func(attemptCtx context.Context) ([]chat.User, error) {
		return r.fetcher.FetchUsers(attemptCtx, restapi.ID(userID))
	})
	if err != nil {
		r.logger.Warn("line author unresolved",
			zap.Int64("line_id", int64(line.ID)),
			zap.Int64("user_id", int64(userID)),
			zap.Error(err))
		return nil
	}
	return user
}

// fetchOne runs fetch with a per-attempt timeout, retrying transient failures.
func fetchOne[T any](r *Reconciler, ctx context.Context, resource string, id int64, fetch func(context.Context) ([]T, error)) (*T, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		items, err := fetch(attemptCtx)
		cancel()
		if err == nil {
			if len(items) == 0 {
				return nil, fmt.Errorf("%s %d: %w", resource, id, errNotFound)
			}
			return &items[0], nil
		}
		lastErr = err
		if ctx.Err() != nil || !restapi.IsTransient(err) {
			break
		}
		r.logger.Debug("retrying fetch",
			zap.String("resource", resource),
			zap.Int64("id", id),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (r *Reconciler) apply(task Task, result resolution) {
	if result.err != nil {
		if errors.Is(result.err, context.Canceled) {
			return
		}
		r.state.count(func(stats *Stats) { stats.ResolveFailures++ })
		r.logError(opResolve, "fetch_failed", result.err,
			zap.String("source", string(task.Source)),
			zap.String("type", string(task.Notification.Type)))
		return
	}

	switch {
	case result.user != nil:
		r.applyUser(*result.user)
	case result.buffer != nil:
		r.applyBuffer(*result.buffer)
	case result.line != nil:
		if result.lineUser != nil {
			r.applyUser(*result.lineUser)
		}
		r.applyLine(*result.line)
	case result.lastLine != nil:
		r.applyLastLine(*result.lastLine)
	}
}

func (r *Reconciler) applyUser(user chat.User) {
	if existing, ok := r.store.User(user.ID); ok {
		user.Color = existing.Color
	} else {
		user.Color = chat.ColorFor(user.ID)
	}
	r.store.PutUser(user)
}

func (r *Reconciler) applyBuffer(buffer chat.Buffer) {
	if err := buffer.Validate(); err != nil {
		reason := "invalid_buffer"
		cause := err
		if buffer.Kind == chat.BufferKindNormal {
			reason = "missing_server"
			cause = fmt.Errorf("%w: %v", errMissingServerRef, err)
		}
		r.drop(opBuffer, reason, cause, zap.Int64("buffer_id", int64(buffer.ID)))
		return
	}

	if buffer.Kind == chat.BufferKindNormal {
		serverID := buffer.ServerID()
		server, ok := r.store.Buffer(serverID)
		if !ok {
			r.deferBuffer(serverID, buffer)
			return
		}
		if server.Kind != chat.BufferKindSystem {
			r.drop(opBuffer, "nested_server", errNestedServer,
				zap.Int64("buffer_id", int64(buffer.ID)),
				zap.Int64("server_id", int64(serverID)))
			return
		}
	}

	existing, existed := r.store.Buffer(buffer.ID)
	r.store.PutBuffer(buffer)
	if existed {
		if !sameBuffer(existing, buffer) {
			r.sink.Emit(render.Event{
				Type:      render.EventBufferUpdated,
				Buffer:    buffer,
				Active:    r.state.isActive(buffer.ID),
				Timestamp: r.clock().UTC(),
			})
		}
	} else {
		anchor, active := r.state.place(buffer)
		r.sink.Emit(render.Event{
			Type:      render.EventBufferCreated,
			Buffer:    buffer,
			Anchor:    &anchor,
			Active:    active,
			Timestamp: r.clock().UTC(),
		})
	}

	buffers, lines := r.pending.release(buffer.ID)
	for _, child := range buffers {
		r.applyBuffer(child)
	}
	for _, line := range lines {
		r.applyLine(line)
	}
}

func (r *Reconciler) deferBuffer(serverID chat.BufferID, buffer chat.Buffer) {
	if !r.pending.parkBuffer(serverID, buffer) {
		r.drop(opPending, "overflow", errPendingOverflow, zap.Int64("buffer_id", int64(buffer.ID)))
		return
	}
	r.state.count(func(stats *Stats) { stats.Deferred++ })
	r.logWarn(opBuffer, "missing_anchor", errMissingAnchor,
		zap.Int64("buffer_id", int64(buffer.ID)),
		zap.Int64("server_id", int64(serverID)),
		zap.Int("pending", r.pending.len()))
}

func (r *Reconciler) applyLine(line chat.Line) {
	if err := line.Validate(); err != nil {
		r.drop(opLine, "invalid_line", err, zap.Int64("line_id", int64(line.ID)))
		return
	}
	if _, ok := r.store.Line(line.ID); ok {
		r.state.count(func(stats *Stats) { stats.Duplicates++ })
		r.logger.Debug("duplicate line ignored", zap.Int64("line_id", int64(line.ID)))
		return
	}

	buffer, ok := r.store.Buffer(line.Buffer)
	if !ok {
		if !r.pending.parkLine(line.Buffer, line) {
			r.drop(opPending, "overflow", errPendingOverflow, zap.Int64("line_id", int64(line.ID)))
			return
		}
		r.state.count(func(stats *Stats) { stats.Deferred++ })
		r.logWarn(opLine, "missing_buffer", errMissingBuffer,
			zap.Int64("line_id", int64(line.ID)),
			zap.Int64("buffer_id", int64(line.Buffer)),
			zap.Int("pending", r.pending.len()))
		return
	}

	if !r.store.PutLine(line) {
		r.state.count(func(stats *Stats) { stats.Duplicates++ })
		return
	}
	r.state.recordLine(line.ID)

	user := chat.AnonymousUser()
	if userID := line.UserID(); userID != 0 {
		if known, found := r.store.User(userID); found {
			user = known
		}
	}
	r.sink.Emit(render.Event{
		Type:      render.EventLineAppended,
		Buffer:    buffer,
		Line:      &line,
		User:      &user,
		Timestamp: r.clock().UTC(),
	})
}

func (r *Reconciler) applyLastLine(id chat.LineID) {
	if r.state.recordServerLastLine(id) {
		r.logger.Warn("lines may have been missed while disconnected",
			zap.Int64("server_last_line", int64(id)),
			zap.Int64("last_applied_line", int64(r.state.LastAppliedLine())))
	}
}

func (r *Reconciler) drop(operation, reason string, err error, fields ...zap.Field) {
	r.state.count(func(stats *Stats) { stats.Dropped++ })
	r.logError(operation, reason, newError(operation, reason, err), fields...)
}

func sameBuffer(a, b chat.Buffer) bool {
	return a.ID == b.ID && a.Kind == b.Kind && a.Name == b.Name && a.ServerID() == b.ServerID()
}
