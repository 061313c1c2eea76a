package store

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
)

// Store holds the materialized session view. It grows for the life of the session.
// The reconciler is the only writer; readers may run on other goroutines.
type Store struct {
	mu        sync.RWMutex
	users     map[chat.UserID]chat.User
	buffers   map[chat.BufferID]chat.Buffer
	lines     map[chat.LineID]chat.Line
	lineOrder map[chat.BufferID][]chat.LineID
}

func New() *Store {
	return &Store{
		users:     make(map[chat.UserID]chat.User),
		buffers:   make(map[chat.BufferID]chat.Buffer),
		lines:     make(map[chat.LineID]chat.Line),
		lineOrder: make(map[chat.BufferID][]chat.LineID),
	}
}

// PutUser inserts or overwrites a user and reports whether it was new.
func (s *Store) PutUser(user chat.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.users[user.ID]
	s.users[user.ID] = user
	return !existed
}

func (s *Store) User(id chat.UserID) (chat.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	return user, ok
}

func (s *Store) Users() map[chat.UserID]chat.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[chat.UserID]chat.User, len(s.users))
	for id, user := range s.users {
		snapshot[id] = user
	}
	return snapshot
}

// PutBuffer inserts or overwrites a buffer and reports whether it was new.
func (s *Store) PutBuffer(buffer chat.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.buffers[buffer.ID]
	s.buffers[buffer.ID] = buffer
	return !existed
}

func (s *Store) Buffer(id chat.BufferID) (chat.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buffer, ok := s.buffers[id]
	return buffer, ok
}

func (s *Store) Buffers() map[chat.BufferID]chat.Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[chat.BufferID]chat.Buffer, len(s.buffers))
	for id, buffer := range s.buffers {
		snapshot[id] = buffer
	}
	return snapshot
}

// PutLine inserts a line. Lines are immutable, so an existing id is left untouched
// and PutLine reports false.
func (s *Store) PutLine(line chat.Line) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, existed := s.lines[line.ID]; existed {
		return false
	}
	s.lines[line.ID] = line
	s.lineOrder[line.Buffer] = append(s.lineOrder[line.Buffer], line.ID)
	return true
}

func (s *Store) Line(id chat.LineID) (chat.Line, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	line, ok := s.lines[id]
	return line, ok
}

func (s *Store) Lines() map[chat.LineID]chat.Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[chat.LineID]chat.Line, len(s.lines))
	for id, line := range s.lines {
		snapshot[id] = line
	}
	return snapshot
}

// LinesForBuffer returns the lines of a buffer in the order they were inserted.
func (s *Store) LinesForBuffer(id chat.BufferID) []chat.Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.lineOrder[id]
	lines := make([]chat.Line, 0, len(order))
	for _, lineID := range order {
		lines = append(lines, s.lines[lineID])
	}
	return lines
}

// LastLineID returns the highest line id materialized so far.
func (s *Store) LastLineID() chat.LineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last chat.LineID
	for id := range s.lines {
		if id > last {
			last = id
		}
	}
	return last
}

func SortedBufferIDs(buffers map[chat.BufferID]chat.Buffer) []chat.BufferID {
	ids := make([]chat.BufferID, 0, len(buffers))
	for id := range buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
