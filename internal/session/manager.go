package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrChannelAttached   = errors.New("session already has an upstream channel")
)

// Session is the aggregate for one client connection: identity, relay status
// and the conversation state the supervisor keeps for it.
type Session struct {
	ID                  string    `json:"session_id"`
	UserID              string    `json:"user_id,omitempty"`
	Status              Status    `json:"status"`
	Agent               string    `json:"agent"`
	Muted               bool      `json:"muted"`
	ConversationStarted bool      `json:"conversation_started"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
}

type entry struct {
	session Session
	channel io.Closer
	history []Turn
}

// ExpireHook receives an evicted session together with the upstream channel
// that was attached to it, if any. The hook owns closing the channel.
type ExpireHook func(s *Session, channel io.Closer)

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	defaultAgent      string
	onExpire          ExpireHook
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, defaultAgent string) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		defaultAgent:      defaultAgent,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook ExpireHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a fresh session in CONNECTING state.
func (m *Manager) Create(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &entry{session: Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusConnecting,
		Agent:          m.defaultAgent,
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	m.sessions[e.session.ID] = e
	return clone(e)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

// Touch refreshes the inactivity clock of a session.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = m.now()
	return nil
}

// SetStatus moves a session along CONNECTING -> CONNECTED -> DISCONNECTED.
// CONNECTING may also fall straight to DISCONNECTED when the handshake fails.
func (m *Manager) SetStatus(sessionID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.session.Status == status {
		return nil
	}
	if !validTransition(e.session.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.Status, status)
	}
	e.session.Status = status
	return nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusConnecting:
		return to == StatusConnected || to == StatusDisconnected
	case StatusConnected:
		return to == StatusDisconnected
	default:
		return false
	}
}

// Attach binds the upstream channel a session exclusively owns.
func (m *Manager) Attach(sessionID string, channel io.Closer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.channel != nil {
		return ErrChannelAttached
	}
	e.channel = channel
	return nil
}

// Remove deletes a session and hands back its attached channel so the caller
// can tear it down outside the registry lock.
func (m *Manager) Remove(sessionID string) (io.Closer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, sessionID)
	return e.channel, true
}

// ListByUser scans all sessions owned by userID, oldest first.
func (m *Manager) ListByUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, e := range m.sessions {
		if e.session.UserID == userID {
			out = append(out, clone(e))
		}
	}
	sortByCreated(out)
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) SetMuted(sessionID string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.Muted = muted
	return nil
}

func (m *Manager) SetAgent(sessionID, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.Agent = agent
	return nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

type expiredEntry struct {
	session *Session
	channel io.Closer
}

func (m *Manager) expireInactive() int {
	var expired []expiredEntry

	m.mu.Lock()
	now := m.now()
	for id, e := range m.sessions {
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, expiredEntry{session: clone(e), channel: e.channel})
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, x := range expired {
			hook(x.session, x.channel)
		}
	}
	return len(expired)
}

func clone(e *entry) *Session {
	c := e.session
	return &c
}
