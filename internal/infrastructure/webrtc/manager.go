package webrtc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// SessionManager guarantees at most one live session per call. Two
// concurrent starts for the same call get the same instance back.
type SessionManager struct {
	deps   SessionDeps
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*CallSession
}

func NewSessionManager(deps SessionDeps) *SessionManager {
	return &SessionManager{
		deps:     deps,
		logger:   deps.Logger,
		sessions: make(map[string]*CallSession),
	}
}

// GetOrCreate returns the existing session for callID or builds one.
// The bool reports whether the session was created by this call.
func (m *SessionManager) GetOrCreate(callID, selfID, peerID string, role domain.CallRole, preset domain.CallPreset) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[callID]; ok {
		return existing, false
	}
	session := NewCallSession(callID, selfID, peerID, role, preset, m.deps)
	session.OnStateChange(func(state domain.CallState) {
		if state == domain.CallEnded {
			m.Remove(callID)
		}
	})
	m.sessions[callID] = session
	m.logger.Infow("session registered", "call_id", callID, "role", string(role))
	return session, true
}

// Get returns the live session for callID, if any.
func (m *SessionManager) Get(callID string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[callID]
	return session, ok
}

// Remove drops the registry entry without ending the session.
func (m *SessionManager) Remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// Sessions snapshots the live sessions.
func (m *SessionManager) Sessions() []*CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CallSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	return out
}

// Count reports live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndAll tears down every live session, used on shutdown.
func (m *SessionManager) EndAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*CallSession)
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.End(ctx); err != nil {
			m.logger.Warnw("session shutdown failed", "call_id", session.ID(), "error", err)
		}
	}
}
