package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerUserCap = 200

// InMemoryStore keeps the most recent events per user in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	cap    int
	events map[string][]Event
}

func NewInMemoryStore(perUserCap int) *InMemoryStore {
	if perUserCap <= 0 {
		perUserCap = defaultPerUserCap
	}
	return &InMemoryStore{cap: perUserCap, events: make(map[string][]Event)}
}

func (s *InMemoryStore) Record(_ context.Context, event Event) error {
	event = normalize(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.events[event.UserID], event)
	if len(arr) > s.cap {
		arr = append([]Event(nil), arr[len(arr)-s.cap:]...)
	}
	s.events[event.UserID] = arr
	return nil
}

// RecentByUser returns up to limit events in chronological order.
func (s *InMemoryStore) RecentByUser(_ context.Context, userID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.events[userID]
	if len(arr) == 0 {
		return []Event{}, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Event, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return event
}
