package store

import (
	"errors"
	"sync"
	"time"

	"yuzu/tutor/internal/types"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrRoomTaken     = errors.New("room already has a live session")
	ErrNoSession     = errors.New("session not found")
)

// maxEvents caps the per-session event log.
const maxEvents = 200

// EventSink sees every appended event, after the store lock is released.
type EventSink func(sessionID string, evt types.Event)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	rooms    map[string]string
	events   map[string][]types.Event
	// worker state per session
	workerState map[string]WorkerState

	sink EventSink
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]*types.Session),
		rooms:       make(map[string]string),
		events:      make(map[string][]types.Event),
		workerState: make(map[string]WorkerState),
	}
}

// SetSink installs the event sink. Call before serving traffic.
func (s *Store) SetSink(fn EventSink) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// WorkerState captures the voice worker attached to a session.
type WorkerState struct {
	Connected   bool
	ConnectedAt time.Time
	Speaking    bool
}

// CreateSession stores sess. A room may hold only one session that has not
// ended.
func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	if prev, ok := s.rooms[sess.RoomName]; ok && sess.RoomName != "" {
		if p := s.sessions[prev]; p != nil && p.Status != types.StatusEnded {
			return ErrRoomTaken
		}
	}
	s.sessions[sess.ID] = sess
	if sess.RoomName != "" {
		s.rooms[sess.RoomName] = sess.ID
	}
	s.events[sess.ID] = []types.Event{}
	return nil
}

// GetSession returns a copy so callers cannot race the store.
func (s *Store) GetSession(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.sessions[id]
	if sess == nil {
		return nil
	}
	cp := *sess
	return &cp
}

func (s *Store) FindByRoom(room string) *types.Session {
	s.mu.RLock()
	id, ok := s.rooms[room]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.GetSession(id)
}

// SetStatus moves a session to status. Terminal timestamps are set once.
func (s *Store) SetStatus(id, status string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNoSession
	}
	sess.Status = status
	switch status {
	case types.StatusComplete:
		if sess.CompletedAt == nil {
			sess.CompletedAt = &now
		}
	case types.StatusEnded:
		if sess.EndedAt == nil {
			sess.EndedAt = &now
		}
	}
	return nil
}

func (s *Store) AppendEvent(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: time.Now().UTC(), Payload: payload}
	s.mu.Lock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	// Cap total events per session to avoid unbounded growth
	if l := len(s.events[sessionID]); l > maxEvents {
		// Keep space for a single truncation warning so the total stays at maxEvents
		keep := maxEvents - 1
		dropped := l - keep
		s.events[sessionID] = append([]types.Event(nil), s.events[sessionID][l-keep:]...)
		warn := types.Event{Type: "events_truncated", Ts: time.Now().UTC(), Payload: map[string]any{"session_id": sessionID, "dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(s.events[sessionID], warn)
	}
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(sessionID, evt)
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Worker state helpers
func (s *Store) SetWorkerConnected(sessionID string, connected bool) {
	s.mu.Lock()
	st := s.workerState[sessionID]
	st.Connected = connected
	if connected {
		st.ConnectedAt = time.Now().UTC()
	} else {
		st.Speaking = false
	}
	s.workerState[sessionID] = st
	s.mu.Unlock()
}

func (s *Store) SetWorkerSpeaking(sessionID string, speaking bool) {
	s.mu.Lock()
	st := s.workerState[sessionID]
	st.Speaking = speaking
	s.workerState[sessionID] = st
	s.mu.Unlock()
}

func (s *Store) GetWorkerState(sessionID string) WorkerState {
	s.mu.RLock(); defer s.mu.RUnlock()
	return s.workerState[sessionID]
}
