package render

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher fans render events out to subscribers, typically SSE streams.
// Slow subscribers miss events rather than blocking the reconciler.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
	logger      *zap.Logger
	dropped     atomic.Int64
}

type subscriber struct {
	id     string
	buffer chat.BufferID
	stream chan Event
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]*subscriber),
		bufferSize:  64,
		logger:      logger,
	}
}

// Subscribe registers a subscriber until ctx ends or cleanup is called. A zero buffer
// id receives events for every buffer.
func (d *Dispatcher) Subscribe(ctx context.Context, buffer chat.BufferID) (<-chan Event, func()) {
	sub := &subscriber{
		id:     uuid.NewString(),
		buffer: buffer,
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Emit publishes event to every matching subscriber without blocking.
func (d *Dispatcher) Emit(event Event) {
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		if sub.buffer == 0 || sub.buffer == event.Buffer.ID {
			copies = append(copies, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
			d.dropped.Add(1)
			d.logger.Debug("render event dropped",
				zap.String("subscriber", sub.id),
				zap.String("type", event.Type),
				zap.Int64("buffer_id", int64(event.Buffer.ID)))
		}
	}
}

// Dropped returns how many events were skipped because a subscriber was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
