package reconcile

import (
	"fmt"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
)

// Stats holds diagnostic counters.
type Stats struct {
	Applied         int64 `json:"applied"`
	Duplicates      int64 `json:"duplicates"`
	ResolveFailures int64 `json:"resolve_failures"`
	Deferred        int64 `json:"deferred"`
	Dropped         int64 `json:"dropped"`
}

// State is the session state shared between the apply goroutine and readers such
// as the view server.
type State struct {
	mu              sync.RWMutex
	navigation      []chat.BufferID
	active          chat.BufferID
	lastApplied     chat.LineID
	serverLastLine  chat.LineID
	lastLineReports int
	stats           Stats
}

func NewState() *State {
	return &State{}
}

func (s *State) Navigation() []chat.BufferID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.navigation)
}

func (s *State) Active() chat.BufferID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive switches the active buffer.
func (s *State) SetActive(id chat.BufferID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.navigation, id) {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	s.active = id
	return nil
}

func (s *State) LastAppliedLine() chat.LineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *State) ServerLastLine() chat.LineID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverLastLine
}

func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// place adds a new buffer to the navigation list and returns its anchor. The first
// system buffer becomes active.
func (s *State) place(buffer chat.Buffer) (render.Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer.Kind == chat.BufferKindSystem {
		s.navigation = append(s.navigation, buffer.ID)
		becameActive := false
		if s.active == 0 {
			s.active = buffer.ID
			becameActive = true
		}
		return render.Anchor{Kind: render.AnchorTopLevel, Position: len(s.navigation) - 1}, becameActive
	}

	serverID := buffer.ServerID()
	position := slices.Index(s.navigation, serverID) + 1
	s.navigation = slices.Insert(s.navigation, position, buffer.ID)
	return render.Anchor{Kind: render.AnchorAfter, After: serverID, Position: position}, false
}

func (s *State) isActive(id chat.BufferID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active == id
}

func (s *State) recordLine(id chat.LineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Applied++
	if id > s.lastApplied {
		s.lastApplied = id
	}
}

// recordServerLastLine stores the announced id and reports whether lines may have
// been missed since a previous connection.
func (s *State) recordServerLastLine(id chat.LineID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverLastLine = id
	s.lastLineReports++
	return s.lastLineReports > 1 && id > s.lastApplied
}

func (s *State) count(update func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.stats)
}
