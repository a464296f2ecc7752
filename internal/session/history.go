package session

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TurnType string

const (
	TurnText   TurnType = "text"
	TurnAudio  TurnType = "audio"
	TurnSystem TurnType = "system"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	ID        string    `json:"id"`
	Type      TurnType  `json:"type"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendTurn records a turn and marks the conversation as started. Blank
// content is ignored.
func (m *Manager) AppendTurn(sessionID string, typ TurnType, role Role, content string) (Turn, error) {
	content = strings.TrimSpace(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	if content == "" {
		return Turn{}, nil
	}
	t := Turn{
		ID:        uuid.NewString(),
		Type:      typ,
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}
	e.history = append(e.history, t)
	e.session.ConversationStarted = true
	return t, nil
}

// RemoveTurn deletes one turn from the session's history and reports whether
// it was there.
func (m *Manager) RemoveTurn(sessionID, turnID string) bool {
	if turnID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	for i, t := range e.history {
		if t.ID == turnID {
			e.history = append(e.history[:i], e.history[i+1:]...)
			return true
		}
	}
	return false
}

// History returns a copy of the session's turns. Unknown sessions yield an
// empty history.
func (m *Manager) History(sessionID string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || len(e.history) == 0 {
		return []Turn{}
	}
	out := make([]Turn, len(e.history))
	copy(out, e.history)
	return out
}

func sortByCreated(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
