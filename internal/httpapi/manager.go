package httpapi

import (
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"github.com/google/uuid"
)

// SessionFactory builds a fresh domain session with its own camera.
type SessionFactory func() (*smilecredit.Session, error)

// Manager tracks live sessions by id and guarantees camera release on
// teardown.
type Manager struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*smilecredit.Session
}

// NewManager wires a session manager.
func NewManager(factory SessionFactory) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: session factory is nil", smilecredit.ErrInvalidSessionConfig)
	}
	return &Manager{
		factory:  factory,
		sessions: make(map[string]*smilecredit.Session),
	}, nil
}

// Create builds and registers a new session.
func (manager *Manager) Create() (string, *smilecredit.Session, error) {
	session, err := manager.factory()
	if err != nil {
		return "", nil, err
	}
	sessionID := uuid.NewString()
	manager.mu.Lock()
	manager.sessions[sessionID] = session
	manager.mu.Unlock()
	return sessionID, session, nil
}

// Get returns a registered session.
func (manager *Manager) Get(sessionID string) (*smilecredit.Session, bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	session, ok := manager.sessions[sessionID]
	return session, ok
}

// Close tears one session down and forgets it.
func (manager *Manager) Close(sessionID string) {
	manager.mu.Lock()
	session, ok := manager.sessions[sessionID]
	delete(manager.sessions, sessionID)
	manager.mu.Unlock()
	if ok {
		session.Close()
	}
}

// CloseAll releases every camera; called on server shutdown.
func (manager *Manager) CloseAll() {
	manager.mu.Lock()
	sessions := make([]*smilecredit.Session, 0, len(manager.sessions))
	for _, session := range manager.sessions {
		sessions = append(sessions, session)
	}
	manager.sessions = make(map[string]*smilecredit.Session)
	manager.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
