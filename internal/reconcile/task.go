package reconcile

import "github.com/MarcoPoloResearchLab/possel-client/internal/chat"

// Source labels where a task came from.
type Source string

const (
	SourceBulk     Source = "bulk"
	SourceBackfill Source = "backfill"
	SourceLive     Source = "live"
)

// Task is one unit of reconciliation. Live tasks carry only a notification and are
// resolved through the REST client; bulk and backfill tasks carry an already fetched
// entity.
type Task struct {
	Source       Source
	Notification chat.Notification
	User         *chat.User
	Buffer       *chat.Buffer
	Line         *chat.Line
}

// NotificationTask wraps a push notification.
func NotificationTask(notification chat.Notification) Task {
	return Task{Source: SourceLive, Notification: notification}
}

// UserTask wraps a prefetched user.
func UserTask(source Source, user chat.User) Task {
	return Task{Source: source, User: &user}
}

// BufferTask wraps a prefetched buffer.
func BufferTask(source Source, buffer chat.Buffer) Task {
	return Task{Source: source, Buffer: &buffer}
}

// LineTask wraps a prefetched line.
func LineTask(source Source, line chat.Line) Task {
	return Task{Source: source, Line: &line}
}

// resolution is the outcome of the fetch phase of a task.
type resolution struct {
	user     *chat.User
	buffer   *chat.Buffer
	line     *chat.Line
	lineUser *chat.User
	lastLine *chat.LineID
	err      error
}

type job struct {
	task   Task
	result resolution
	done   chan struct{}
}
