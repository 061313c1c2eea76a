package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/possetest"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	"github.com/MarcoPoloResearchLab/possel-client/internal/restapi"
	"github.com/MarcoPoloResearchLab/possel-client/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []render.Event
}

func (s *recordingSink) Emit(event render.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) ofType(eventType string) []render.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []render.Event
	for _, event := range s.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type harness struct {
	server     *possetest.Server
	sink       *recordingSink
	reconciler *Reconciler
	logs       *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	server := possetest.NewServer(t)
	client, err := restapi.NewClient(restapi.ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &recordingSink{}
	reconciler, err := New(Config{
		Fetcher:    client,
		Store:      store.New(),
		Sink:       sink,
		Workers:    4,
		Timeout:    2 * time.Second,
		Retries:    1,
		RetryDelay: 5 * time.Millisecond,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	return &harness{server: server, sink: sink, reconciler: reconciler, logs: logs}
}

func (h *harness) run(t *testing.T, tasks ...Task) {
	t.Helper()
	stream := make(chan Task, len(tasks))
	for _, task := range tasks {
		stream <- task
	}
	close(stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.reconciler.Run(ctx, stream); err != nil {
		t.Fatalf("reconciler run failed: %v", err)
	}
}

func serverRef(id chat.BufferID) *chat.BufferID {
	return &id
}

func userRef(id chat.UserID) *chat.UserID {
	return &id
}

func lineIDs(events []render.Event) []chat.LineID {
	ids := make([]chat.LineID, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.Line.ID)
	}
	return ids
}

func equalLineIDs(a, b []chat.LineID) bool {
	if len(a) != len(b) {
		return false
	}
	for index := range a {
		if a[index] != b[index] {
			return false
		}
	}
	return true
}

func seedBuffers(h *harness) []Task {
	system := chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "srv"}
	channel := chat.Buffer{ID: 2, Kind: chat.BufferKindNormal, Name: "#go", Server: serverRef(1)}
	h.server.AddBuffer(system)
	h.server.AddBuffer(channel)
	return []Task{BufferTask(SourceBulk, system), BufferTask(SourceBulk, channel)}
}

func TestLinesRenderInNotificationOrderRegardlessOfFetchLatency(t *testing.T) {
	h := newHarness(t)
	tasks := seedBuffers(h)
	for _, id := range []chat.LineID{10, 11, 12} {
		h.server.AddLine(chat.Line{ID: id, Buffer: 2, Kind: chat.LineKindMessage, Content: id.String()})
	}
	h.server.DelayLine(10, 200*time.Millisecond)
	h.server.DelayLine(11, 100*time.Millisecond)

	for _, id := range []chat.LineID{10, 11, 12} {
		tasks = append(tasks, NotificationTask(chat.Notification{Type: chat.NotificationLine, Line: id, Buffer: 2}))
	}
	h.run(t, tasks...)

	got := lineIDs(h.sink.ofType(render.EventLineAppended))
	if !equalLineIDs(got, []chat.LineID{10, 11, 12}) {
		t.Fatalf("expected lines in notification order, got %v", got)
	}
	if lines := h.reconciler.Store().LinesForBuffer(2); len(lines) != 3 || lines[0].ID != 10 {
		t.Fatalf("unexpected stored lines: %#v", lines)
	}
}

func TestDuplicateLineRendersOnce(t *testing.T) {
	h := newHarness(t)
	tasks := seedBuffers(h)
	line := chat.Line{ID: 7, Buffer: 2, Content: "once"}
	h.server.AddLine(line)
	tasks = append(tasks,
		LineTask(SourceBackfill, line),
		NotificationTask(chat.Notification{Type: chat.NotificationLine, Line: 7, Buffer: 2}),
	)
	h.run(t, tasks...)

	if appended := h.sink.ofType(render.EventLineAppended); len(appended) != 1 {
		t.Fatalf("expected exactly one line-appended event, got %d", len(appended))
	}
	if stats := h.reconciler.State().Stats(); stats.Duplicates != 1 || stats.Applied != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestNormalBufferBeforeSystemIsDeferredThenApplied(t *testing.T) {
	h := newHarness(t)
	system := chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "srv"}
	channel := chat.Buffer{ID: 2, Kind: chat.BufferKindNormal, Name: "#go", Server: serverRef(1)}
	h.run(t, BufferTask(SourceLive, channel), BufferTask(SourceLive, system))

	created := h.sink.ofType(render.EventBufferCreated)
	if len(created) != 2 {
		t.Fatalf("expected two buffer-created events, got %d", len(created))
	}
	if created[0].Buffer.ID != 1 || created[0].Anchor.Kind != render.AnchorTopLevel {
		t.Fatalf("expected system buffer first as top-level, got %#v", created[0])
	}
	if created[1].Buffer.ID != 2 || created[1].Anchor.Kind != render.AnchorAfter || created[1].Anchor.After != 1 {
		t.Fatalf("expected normal buffer anchored after system buffer, got %#v", created[1])
	}

	if stats := h.reconciler.State().Stats(); stats.Deferred != 1 {
		t.Fatalf("expected deferred counter to be 1, got %d", stats.Deferred)
	}
	reported := h.logs.FilterField(zap.String("reason", "missing_anchor")).All()
	if len(reported) != 1 || reported[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning about the missing anchor, got %d", len(reported))
	}
}

func TestNormalBufferWithInvalidServerIsDropped(t *testing.T) {
	h := newHarness(t)
	tasks := seedBuffers(h)
	tasks = append(tasks,
		BufferTask(SourceLive, chat.Buffer{ID: 3, Kind: chat.BufferKindNormal, Name: "#orphan"}),
		BufferTask(SourceLive, chat.Buffer{ID: 4, Kind: chat.BufferKindNormal, Name: "#nested", Server: serverRef(2)}),
	)
	h.run(t, tasks...)

	if _, ok := h.reconciler.Store().Buffer(3); ok {
		t.Fatalf("expected buffer without server to be dropped")
	}
	if _, ok := h.reconciler.Store().Buffer(4); ok {
		t.Fatalf("expected buffer anchored on a normal buffer to be dropped")
	}
	if stats := h.reconciler.State().Stats(); stats.Dropped != 2 {
		t.Fatalf("expected two dropped buffers, got %d", stats.Dropped)
	}
	if entries := h.logs.FilterField(zap.String("reason", "nested_server")).All(); len(entries) != 1 {
		t.Fatalf("expected nested server error log, got %d", len(entries))
	}
}

func TestLineForUnknownBufferWaitsForBuffer(t *testing.T) {
	h := newHarness(t)
	system := chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "srv"}
	h.server.AddBuffer(system)
	h.server.AddLine(chat.Line{ID: 5, Buffer: 1, Content: "early"})

	h.run(t,
		NotificationTask(chat.Notification{Type: chat.NotificationLine, Line: 5, Buffer: 1}),
		NotificationTask(chat.Notification{Type: chat.NotificationBuffer, Buffer: 1}),
	)

	if len(h.sink.events) != 2 {
		t.Fatalf("expected two events, got %d", len(h.sink.events))
	}
	if h.sink.events[0].Type != render.EventBufferCreated || h.sink.events[1].Type != render.EventLineAppended {
		t.Fatalf("expected buffer before its line, got %s then %s", h.sink.events[0].Type, h.sink.events[1].Type)
	}
}

func TestUserColorAssignedOnceAndRetained(t *testing.T) {
	h := newHarness(t)
	h.server.AddUser(chat.User{ID: 3, Nick: "renamed"})
	h.run(t,
		UserTask(SourceBulk, chat.User{ID: 3, Nick: "original"}),
		NotificationTask(chat.Notification{Type: chat.NotificationUser, User: 3}),
	)

	user, ok := h.reconciler.Store().User(3)
	if !ok {
		t.Fatalf("expected user to be materialized")
	}
	if user.Nick != "renamed" {
		t.Fatalf("expected user to be overwritten, got %q", user.Nick)
	}
	if user.Color != chat.ColorFor(3) {
		t.Fatalf("expected stable color %q, got %q", chat.ColorFor(3), user.Color)
	}
	if len(h.sink.events) != 0 {
		t.Fatalf("expected no render events for users, got %d", len(h.sink.events))
	}
}

func TestLineUsersResolveOrFallBackToPlaceholder(t *testing.T) {
	h := newHarness(t)
	tasks := seedBuffers(h)
	h.server.AddUser(chat.User{ID: 9, Nick: "late"})
	tasks = append(tasks,
		LineTask(SourceBackfill, chat.Line{ID: 1, Buffer: 2, Content: "system"}),
		LineTask(SourceBackfill, chat.Line{ID: 2, Buffer: 2, User: userRef(9), Content: "known"}),
		LineTask(SourceBackfill, chat.Line{ID: 3, Buffer: 2, User: userRef(404), Content: "missing"}),
	)
	h.run(t, tasks...)

	appended := h.sink.ofType(render.EventLineAppended)
	if len(appended) != 3 {
		t.Fatalf("expected three lines, got %d", len(appended))
	}
	if appended[0].User.Nick != chat.AnonymousUserNick {
		t.Fatalf("expected placeholder for line without user, got %q", appended[0].User.Nick)
	}
	if appended[1].User.Nick != "late" || appended[1].User.Color != chat.ColorFor(9) {
		t.Fatalf("expected author fetched by id, got %#v", appended[1].User)
	}
	if !appended[2].User.IsAnonymous() {
		t.Fatalf("expected placeholder for unresolvable author, got %#v", appended[2].User)
	}
}

func TestTransientFailuresRetryThenSkip(t *testing.T) {
	h := newHarness(t)
	tasks := seedBuffers(h)
	h.server.AddLine(chat.Line{ID: 20, Buffer: 2, Content: "flaky"})
	h.server.AddLine(chat.Line{ID: 21, Buffer: 2, Content: "broken"})
	h.server.AddLine(chat.Line{ID: 22, Buffer: 2, Content: "fine"})
	h.server.FailNext("/line?id=20", 1)
	h.server.FailNext("/line?id=21", 5)

	for _, id := range []chat.LineID{20, 21, 22} {
		tasks = append(tasks, NotificationTask(chat.Notification{Type: chat.NotificationLine, Line: id, Buffer: 2}))
	}
	h.run(t, tasks...)

	got := lineIDs(h.sink.ofType(render.EventLineAppended))
	if !equalLineIDs(got, []chat.LineID{20, 22}) {
		t.Fatalf("expected retried line and later line only, got %v", got)
	}
	if stats := h.reconciler.State().Stats(); stats.ResolveFailures != 1 {
		t.Fatalf("expected one resolve failure, got %d", stats.ResolveFailures)
	}
	if attempts := h.server.RequestsWithPrefix("GET /line?id=21"); len(attempts) != 2 {
		t.Fatalf("expected one retry for the failing line, got %d attempts", len(attempts))
	}
}

func TestNavigationOrderAndActiveBuffer(t *testing.T) {
	h := newHarness(t)
	h.run(t,
		BufferTask(SourceBulk, chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "a"}),
		BufferTask(SourceBulk, chat.Buffer{ID: 2, Kind: chat.BufferKindNormal, Name: "#a1", Server: serverRef(1)}),
		BufferTask(SourceBulk, chat.Buffer{ID: 3, Kind: chat.BufferKindSystem, Name: "b"}),
		BufferTask(SourceBulk, chat.Buffer{ID: 4, Kind: chat.BufferKindNormal, Name: "#b1", Server: serverRef(3)}),
		BufferTask(SourceBulk, chat.Buffer{ID: 5, Kind: chat.BufferKindNormal, Name: "#a2", Server: serverRef(1)}),
	)

	state := h.reconciler.State()
	navigation := state.Navigation()
	expected := []chat.BufferID{1, 5, 2, 3, 4}
	if len(navigation) != len(expected) {
		t.Fatalf("unexpected navigation: %v", navigation)
	}
	for index := range expected {
		if navigation[index] != expected[index] {
			t.Fatalf("expected navigation %v, got %v", expected, navigation)
		}
	}
	if state.Active() != 1 {
		t.Fatalf("expected first system buffer to be active, got %d", state.Active())
	}
	if err := state.SetActive(4); err != nil || state.Active() != 4 {
		t.Fatalf("expected active buffer switch, got %v", err)
	}
	if err := state.SetActive(99); !errors.Is(err, ErrUnknownBuffer) {
		t.Fatalf("expected ErrUnknownBuffer, got %v", err)
	}
}

func TestBufferUpdatedOnlyWhenChanged(t *testing.T) {
	h := newHarness(t)
	system := chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "srv"}
	h.run(t,
		BufferTask(SourceBulk, system),
		BufferTask(SourceLive, system),
		BufferTask(SourceLive, chat.Buffer{ID: 1, Kind: chat.BufferKindSystem, Name: "renamed"}),
	)

	if created := h.sink.ofType(render.EventBufferCreated); len(created) != 1 {
		t.Fatalf("expected one buffer-created event, got %d", len(created))
	}
	updated := h.sink.ofType(render.EventBufferUpdated)
	if len(updated) != 1 || updated[0].Buffer.Name != "renamed" {
		t.Fatalf("expected one buffer-updated event for the rename, got %#v", updated)
	}
	if navigation := h.reconciler.State().Navigation(); len(navigation) != 1 {
		t.Fatalf("expected re-materialization to keep a single navigation entry, got %v", navigation)
	}
}

func TestPendingOverflowDropsEntity(t *testing.T) {
	h := newHarness(t)
	reconciler, err := New(Config{Fetcher: h.reconciler.fetcher, Store: store.New(), PendingLimit: 1})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	h.reconciler = reconciler
	h.run(t,
		LineTask(SourceLive, chat.Line{ID: 1, Buffer: 50}),
		LineTask(SourceLive, chat.Line{ID: 2, Buffer: 50}),
	)

	stats := reconciler.State().Stats()
	if stats.Deferred != 1 || stats.Dropped != 1 {
		t.Fatalf("expected one deferred and one dropped line, got %#v", stats)
	}
}

func TestLastLineAheadAfterReconnectWarns(t *testing.T) {
	h := newHarness(t)
	h.run(t,
		NotificationTask(chat.Notification{Type: chat.NotificationLastLine, Line: 0}),
		NotificationTask(chat.Notification{Type: chat.NotificationLastLine, Line: 40}),
	)

	if h.reconciler.State().ServerLastLine() != 40 {
		t.Fatalf("expected server last line to be recorded")
	}
	if entries := h.logs.FilterMessage("lines may have been missed while disconnected").All(); len(entries) != 1 {
		t.Fatalf("expected a missed-lines warning, got %d", len(entries))
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Store: store.New()})
	var coded *Error
	if !errors.As(err, &coded) || coded.Code() != "reconcile.new.missing_fetcher" {
		t.Fatalf("expected missing fetcher error, got %v", err)
	}
}
