package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestManagerCreateGetRemove(t *testing.T) {
	m := NewManager(time.Minute, "supervisor")
	s := m.Create("u1")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if s.Status != StatusConnecting {
		t.Fatalf("Status = %q, want %q", s.Status, StatusConnecting)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Agent != "supervisor" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ch := &fakeCloser{}
	if err := m.Attach(s.ID, ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	closer, ok := m.Remove(s.ID)
	if !ok || closer != ch {
		t.Fatalf("Remove() = %v, %v; want attached channel", closer, ok)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if _, ok := m.Remove(s.ID); ok {
		t.Fatalf("second Remove() ok = true, want false")
	}
}

func TestManagerStatusTransitions(t *testing.T) {
	m := NewManager(time.Minute, "")
	s := m.Create("")

	if err := m.SetStatus(s.ID, StatusConnected); err != nil {
		t.Fatalf("SetStatus(CONNECTED) error = %v", err)
	}
	if err := m.SetStatus(s.ID, StatusConnecting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SetStatus(CONNECTING) error = %v, want ErrInvalidTransition", err)
	}
	if err := m.SetStatus(s.ID, StatusDisconnected); err != nil {
		t.Fatalf("SetStatus(DISCONNECTED) error = %v", err)
	}
	if err := m.SetStatus(s.ID, StatusConnected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reconnect after DISCONNECTED error = %v, want ErrInvalidTransition", err)
	}

	failed := m.Create("")
	if err := m.SetStatus(failed.ID, StatusDisconnected); err != nil {
		t.Fatalf("CONNECTING -> DISCONNECTED error = %v", err)
	}
	if err := m.SetStatus("missing", StatusConnected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerAttachIsExclusive(t *testing.T) {
	m := NewManager(time.Minute, "")
	s := m.Create("")
	if err := m.Attach(s.ID, &fakeCloser{}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := m.Attach(s.ID, &fakeCloser{}); !errors.Is(err, ErrChannelAttached) {
		t.Fatalf("second Attach() error = %v, want ErrChannelAttached", err)
	}
}

func TestManagerListByUser(t *testing.T) {
	m := NewManager(time.Minute, "")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	a := m.Create("u1")
	m.Create("u2")
	b := m.Create("u1")

	got := m.ListByUser("u1")
	if len(got) != 2 {
		t.Fatalf("len(ListByUser) = %d, want 2", len(got))
	}
	if got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("ListByUser order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, a.ID, b.ID)
	}
	if len(m.ListByUser("nobody")) != 0 {
		t.Fatalf("ListByUser(nobody) should be empty")
	}
}

func TestManagerExpireInactiveClosesChannelViaHook(t *testing.T) {
	m := NewManager(30*time.Minute, "")
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale := m.Create("u1")
	ch := &fakeCloser{}
	if err := m.Attach(stale.ID, ch); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	now = now.Add(20 * time.Minute)
	fresh := m.Create("u2")

	var expired []string
	m.SetExpireHook(func(s *Session, channel io.Closer) {
		expired = append(expired, s.ID)
		if channel != nil {
			_ = channel.Close()
		}
	})

	now = now.Add(11 * time.Minute)
	if n := m.expireInactive(); n != 1 {
		t.Fatalf("expireInactive() = %d, want 1", n)
	}
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Fatalf("expired = %v, want [%s]", expired, stale.ID)
	}
	if ch.count() != 1 {
		t.Fatalf("channel closed %d times, want 1", ch.count())
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session should survive, Get() error = %v", err)
	}
}

func TestManagerTouchDefersExpiry(t *testing.T) {
	m := NewManager(30*time.Minute, "")
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s := m.Create("")
	now = now.Add(29 * time.Minute)
	if err := m.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	now = now.Add(29 * time.Minute)
	if n := m.expireInactive(); n != 0 {
		t.Fatalf("expireInactive() = %d, want 0", n)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30*time.Millisecond, "")
	s := m.Create("u1")

	done := make(chan string, 1)
	m.SetExpireHook(func(s *Session, _ io.Closer) { done <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-done:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire session")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerHistory(t *testing.T) {
	m := NewManager(time.Minute, "")
	if h := m.History("missing"); len(h) != 0 {
		t.Fatalf("History(missing) = %v, want empty", h)
	}

	s := m.Create("")
	if h := m.History(s.ID); len(h) != 0 {
		t.Fatalf("History(new) = %v, want empty", h)
	}
	if _, err := m.AppendTurn(s.ID, TurnText, RoleUser, "hello"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if _, err := m.AppendTurn(s.ID, TurnText, RoleAssistant, "   "); err != nil {
		t.Fatalf("AppendTurn(blank) error = %v", err)
	}
	if _, err := m.AppendTurn(s.ID, TurnText, RoleAssistant, "hi there"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	h := m.History(s.ID)
	if len(h) != 2 || h[0].Role != RoleUser || h[1].Content != "hi there" {
		t.Fatalf("unexpected history: %+v", h)
	}
	h[0].Content = "mutated"
	if m.History(s.ID)[0].Content != "hello" {
		t.Fatalf("History() must return a copy")
	}

	got, _ := m.Get(s.ID)
	if !got.ConversationStarted {
		t.Fatalf("ConversationStarted = false after first turn")
	}
	if _, err := m.AppendTurn("missing", TurnText, RoleUser, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendTurn(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerRemoveTurn(t *testing.T) {
	m := NewManager(time.Minute, "supervisor")
	s := m.Create("u1")
	first, _ := m.AppendTurn(s.ID, TurnText, RoleUser, "what is my balance")
	reply, _ := m.AppendTurn(s.ID, TurnText, RoleAssistant, "Your balance is $42.50.")
	last, _ := m.AppendTurn(s.ID, TurnText, RoleUser, "thanks")

	if !m.RemoveTurn(s.ID, reply.ID) {
		t.Fatalf("RemoveTurn() = false, want true")
	}
	if m.RemoveTurn(s.ID, reply.ID) {
		t.Fatalf("RemoveTurn() twice = true, want false")
	}
	if m.RemoveTurn(s.ID, "") || m.RemoveTurn("missing", first.ID) {
		t.Fatalf("RemoveTurn() matched an unknown turn")
	}
	h := m.History(s.ID)
	if len(h) != 2 || h[0].ID != first.ID || h[1].ID != last.ID {
		t.Fatalf("unexpected history after removal: %+v", h)
	}
}
