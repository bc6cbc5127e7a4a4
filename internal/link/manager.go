package link

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Manager owns independent sessions keyed by id.
type Manager struct {
	deps Deps
	opts Options
	log  *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	handlers []EventHandler
}

// NewManager creates a session manager.
func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		deps:     deps,
		opts:     opts,
		log:      logging.GetDefault().Component("link"),
		sessions: make(map[string]*Session),
	}
}

// Open creates a new disconnected session.
func (m *Manager) Open() *Session {
	s := NewSession(uuid.NewString(), m.deps, m.opts)
	s.OnEvent(m.dispatch)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Debug("Session opened", "session", s.ID())
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close disconnects and forgets a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Disconnect()
	m.log.Debug("Session closed", "session", id)
	return nil
}

// List returns the status of every session, ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// OnEvent registers a handler for events from every session.
func (m *Manager) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) dispatch(ev Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Shutdown disconnects every session and waits for tracking to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	for _, s := range sessions {
		s.Wait()
	}
	m.log.Info("All sessions closed", "count", len(sessions))
}
