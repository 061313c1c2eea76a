package reconcile

import "github.com/MarcoPoloResearchLab/possel-client/internal/chat"

// pendingQueue parks entities whose parent buffer has not been materialized yet.
// Only the apply goroutine touches it.
type pendingQueue struct {
	limit   int
	size    int
	buffers map[chat.BufferID][]chat.Buffer
	lines   map[chat.BufferID][]chat.Line
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{
		limit:   limit,
		buffers: make(map[chat.BufferID][]chat.Buffer),
		lines:   make(map[chat.BufferID][]chat.Line),
	}
}

func (q *pendingQueue) parkBuffer(parent chat.BufferID, buffer chat.Buffer) bool {
	if q.size >= q.limit {
		return false
	}
	q.buffers[parent] = append(q.buffers[parent], buffer)
	q.size++
	return true
}

func (q *pendingQueue) parkLine(parent chat.BufferID, line chat.Line) bool {
	if q.size >= q.limit {
		return false
	}
	q.lines[parent] = append(q.lines[parent], line)
	q.size++
	return true
}

// release removes and returns everything waiting on parent, in arrival order.
func (q *pendingQueue) release(parent chat.BufferID) ([]chat.Buffer, []chat.Line) {
	buffers := q.buffers[parent]
	lines := q.lines[parent]
	delete(q.buffers, parent)
	delete(q.lines, parent)
	q.size -= len(buffers) + len(lines)
	return buffers, lines
}

func (q *pendingQueue) len() int {
	return q.size
}
