package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebridge/internal/audit"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/supervisor"
)

const waitTimeout = 2 * time.Second

// fakeRealtime is a websocket server speaking just enough of the realtime
// protocol for the relay.
type fakeRealtime struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
}

func newFakeRealtime(t *testing.T, rejectStatus int) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectStatus != 0 {
			http.Error(w, "rejected", rejectStatus)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				f.received <- m
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/realtime"
}

func (f *fakeRealtime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-f.received:
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for upstream message")
		return nil
	}
}

func (f *fakeRealtime) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for upstream connection")
		return nil
	}
}

type countingCompleter struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (c *countingCompleter) Complete(context.Context, supervisor.CompletionRequest) (supervisor.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return supervisor.Completion{Content: c.reply}, nil
}

func (c *countingCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// heldCompleter answers only once released, regardless of cancellation.
type heldCompleter struct {
	started chan struct{}
	release chan struct{}
	reply   string
}

func (c *heldCompleter) Complete(context.Context, supervisor.CompletionRequest) (supervisor.Completion, error) {
	c.started <- struct{}{}
	<-c.release
	return supervisor.Completion{Content: c.reply}, nil
}

type harness struct {
	g         *Gateway
	sessions  *session.Manager
	audit     *audit.InMemoryStore
	completer *countingCompleter
	upstream  *fakeRealtime

	inbound  chan any
	outbound chan any
	done     chan error
}

type harnessConfig struct {
	rejectStatus      int
	textMode          string
	inactivityTimeout time.Duration
	completer         supervisor.Completer
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.inactivityTimeout == 0 {
		cfg.inactivityTimeout = time.Minute
	}
	h := &harness{
		sessions:  session.NewManager(cfg.inactivityTimeout, supervisor.AgentSupervisor),
		audit:     audit.NewInMemoryStore(0),
		completer: &countingCompleter{reply: "Your balance is $42.50."},
		upstream:  newFakeRealtime(t, cfg.rejectStatus),
		inbound:   make(chan any),
		outbound:  make(chan any, 32),
		done:      make(chan error, 1),
	}
	var completer supervisor.Completer = h.completer
	if cfg.completer != nil {
		completer = cfg.completer
	}
	orch := supervisor.NewOrchestrator(supervisor.Options{
		Sessions:  h.sessions,
		Completer: completer,
		Pick:      func(int) int { return 0 },
	})
	h.g = New(Options{
		Sessions:     h.sessions,
		Orchestrator: orch,
		Audit:        h.audit,
		TextMode:     cfg.textMode,
		Upstream: realtime.Options{
			URL:                h.upstream.url(),
			APIKey:             "sk-test",
			Model:              "gpt-4o-realtime-preview-2025-06-03",
			Voice:              "sage",
			TranscriptionModel: "gpt-4o-mini-transcribe",
			HandshakeTimeout:   time.Second,
			RetryBaseDelay:     5 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.g.RunConnection(ctx, h.inbound, h.outbound) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Errorf("connection did not stop")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, msg any) {
	t.Helper()
	select {
	case h.inbound <- msg:
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not accept %T", msg)
	}
}

func (h *harness) recv(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for client message")
		return nil
	}
}

func (h *harness) expectStatus(t *testing.T, status session.Status) protocol.SessionStatus {
	t.Helper()
	msg := h.recv(t)
	st, ok := msg.(protocol.SessionStatus)
	require.Truef(t, ok, "expected session status, got %T: %+v", msg, msg)
	require.Equal(t, string(status), st.Status)
	return st
}

func (h *harness) expectError(t *testing.T, code string) protocol.ErrorEvent {
	t.Helper()
	msg := h.recv(t)
	ev, ok := msg.(protocol.ErrorEvent)
	require.Truef(t, ok, "expected error event, got %T: %+v", msg, msg)
	require.Equal(t, code, ev.Code)
	return ev
}

// join connects a session and consumes the initial session.update.
func (h *harness) join(t *testing.T, userID string) protocol.SessionStatus {
	t.Helper()
	h.send(t, protocol.JoinSession{Type: protocol.TypeJoinSession, UserID: userID})
	st := h.expectStatus(t, session.StatusConnected)
	require.Equal(t, "session.update", h.upstream.next(t)["type"])
	return st
}

func TestJoinConnectsUpstreamWithAgentProfile(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.send(t, protocol.JoinSession{Type: protocol.TypeJoinSession, UserID: "u1"})
	st := h.expectStatus(t, session.StatusConnected)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, "u1", st.UserID)

	update := h.upstream.next(t)
	require.Equal(t, "session.update", update["type"])
	cfg := update["session"].(map[string]any)
	assert.Contains(t, cfg["instructions"], "NewTelco")
	assert.Len(t, cfg["tools"], 3)

	s, err := h.sessions.Get(st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, s.Status)
	assert.Equal(t, 1, h.sessions.ActiveCount())

	events, err := h.audit.RecentByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventSessionCreated, events[0].Type)
	assert.Equal(t, audit.EventSessionConnected, events[1].Type)
}

func TestCommandsBeforeJoinReportNotConnected(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "hello"})
	h.expectError(t, CodeNotConnected)

	h.send(t, protocol.CommitAudio{Type: protocol.TypeCommitAudio})
	h.expectError(t, CodeNotConnected)

	h.send(t, protocol.DisconnectSession{Type: protocol.TypeDisconnectSession})
	h.expectError(t, CodeNotConnected)
}

func TestSecondJoinIsRejected(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	first := h.join(t, "u1")

	h.send(t, protocol.JoinSession{Type: protocol.TypeJoinSession, UserID: "u1"})
	ev := h.expectError(t, CodeSessionActive)
	assert.Equal(t, first.SessionID, ev.SessionID)
	assert.Equal(t, 1, h.sessions.ActiveCount())
}

func TestJoinFailureReportsDisconnected(t *testing.T) {
	h := newHarness(t, harnessConfig{rejectStatus: http.StatusUnauthorized})

	h.send(t, protocol.JoinSession{Type: protocol.TypeJoinSession, UserID: "u1"})
	h.expectError(t, CodeUpstreamConnectFailed)
	st := h.expectStatus(t, session.StatusDisconnected)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, 0, h.sessions.ActiveCount())

	events, err := h.audit.RecentByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.EventUpstreamFailed, events[len(events)-1].Type)

	// The connection stays usable after a failed join.
	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "hello"})
	h.expectError(t, CodeNotConnected)
}

func TestGreetingIsVoicedWithoutSupervisor(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "hello"})

	item := h.upstream.next(t)
	require.Equal(t, "conversation.item.create", item["type"])
	content := item["item"].(map[string]any)["content"].([]any)
	assert.Equal(t, "hello", content[0].(map[string]any)["text"])

	create := h.upstream.next(t)
	require.Equal(t, "response.create", create["type"])
	instructions := create["response"].(map[string]any)["instructions"].(string)
	assert.Contains(t, instructions, "Hi, you've reached NewTelco, how can I help you?")
	assert.Zero(t, h.completer.count())

	conn := h.upstream.conn(t)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "Hi, you've reached NewTelco, how can I help you?",
	}))
	msg := h.recv(t)
	tr, ok := msg.(protocol.Transcript)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, string(session.RoleAssistant), tr.Role)

	// The voiced transcript is not recorded a second time.
	history := h.sessions.History(st.SessionID)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
}

func TestSupervisorAnswerIsVoiced(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.join(t, "u1")

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "what is my current balance"})
	require.Equal(t, "conversation.item.create", h.upstream.next(t)["type"])
	create := h.upstream.next(t)
	instructions := create["response"].(map[string]any)["instructions"].(string)
	assert.Contains(t, instructions, "Your balance is $42.50.")
	assert.Equal(t, 1, h.completer.count())
}

func TestRealtimeTextModeForwardsText(t *testing.T) {
	h := newHarness(t, harnessConfig{textMode: config.TextModeRealtime})
	st := h.join(t, "u1")

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "what is my current balance"})
	require.Equal(t, "conversation.item.create", h.upstream.next(t)["type"])
	create := h.upstream.next(t)
	require.Equal(t, "response.create", create["type"])
	_, hasOverride := create["response"]
	assert.False(t, hasOverride)
	assert.Zero(t, h.completer.count())

	history := h.sessions.History(st.SessionID)
	require.Len(t, history, 1)
	assert.Equal(t, "what is my current balance", history[0].Content)
}

func TestAudioCommandsReachUpstream(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.join(t, "u1")

	h.send(t, protocol.SendAudio{Type: protocol.TypeSendAudio, Audio: protocol.AudioPayload{1, 2, 3, 4}, Format: "pcm16"})
	appendEv := h.upstream.next(t)
	require.Equal(t, "input_audio_buffer.append", appendEv["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}), appendEv["audio"])

	h.send(t, protocol.CommitAudio{Type: protocol.TypeCommitAudio})
	assert.Equal(t, "input_audio_buffer.commit", h.upstream.next(t)["type"])
	assert.Equal(t, "response.create", h.upstream.next(t)["type"])

	h.send(t, protocol.ClearAudio{Type: protocol.TypeClearAudio})
	assert.Equal(t, "input_audio_buffer.clear", h.upstream.next(t)["type"])

	h.send(t, protocol.Interrupt{Type: protocol.TypeInterrupt})
	assert.Equal(t, "response.cancel", h.upstream.next(t)["type"])

	h.send(t, protocol.SendAudio{Type: protocol.TypeSendAudio})
	h.expectError(t, CodeUnsupportedAudio)
}

func TestMuteTogglesTurnDetection(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	muted := true
	h.send(t, protocol.Mute{Type: protocol.TypeMute, Muted: &muted})
	update := h.upstream.next(t)
	require.Equal(t, "session.update", update["type"])
	cfg := update["session"].(map[string]any)
	assert.Nil(t, cfg["turn_detection"])
	s, err := h.sessions.Get(st.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Muted)

	unmuted := false
	h.send(t, protocol.Mute{Type: protocol.TypeMute, Muted: &unmuted})
	update = h.upstream.next(t)
	td := update["session"].(map[string]any)["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])
}

func TestUpstreamEventsAreBridged(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")
	conn := h.upstream.conn(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "where is the nearest store",
	}))
	msg := h.recv(t)
	tr, ok := msg.(protocol.Transcript)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, "where is the nearest store", tr.Text)
	assert.Equal(t, string(session.RoleUser), tr.Role)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "AAAA"}))
	msg = h.recv(t)
	ar, ok := msg.(protocol.AudioResponse)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, "AAAA", ar.Audio)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "rate_limits.updated"}))
	msg = h.recv(t)
	re, ok := msg.(protocol.RealtimeEvent)
	require.Truef(t, ok, "got %T", msg)
	assert.Contains(t, string(re.Event), "rate_limits.updated")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "code": "input_audio_buffer_commit_empty", "message": "buffer too small"},
	}))
	ev := h.expectError(t, "input_audio_buffer_commit_empty")
	assert.Equal(t, "buffer too small", ev.Message)
	assert.Equal(t, st.SessionID, ev.SessionID)

	history := h.sessions.History(st.SessionID)
	require.Len(t, history, 1)
	assert.Equal(t, session.TurnAudio, history[0].Type)
}

func TestFunctionCallIsAnswered(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.join(t, "u1")
	conn := h.upstream.conn(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_1",
		"name":      "findNearestStore",
		"arguments": `{"zip_code":"94105"}`,
	}))

	output := h.upstream.next(t)
	require.Equal(t, "conversation.item.create", output["type"])
	item := output["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
	assert.Contains(t, item["output"], "94105")
	assert.Equal(t, "response.create", h.upstream.next(t)["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call_2",
		"name":      "findNearestStore",
		"arguments": `{"zip_code":"null"}`,
	}))
	output = h.upstream.next(t)
	item = output["item"].(map[string]any)
	assert.Equal(t, "call_2", item["call_id"])
	assert.Contains(t, item["output"], `"error"`)
}

func TestUpstreamCloseDisconnectsSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")
	conn := h.upstream.conn(t)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	_ = conn.Close()

	got := h.expectStatus(t, session.StatusDisconnected)
	assert.Equal(t, st.SessionID, got.SessionID)
	assert.Equal(t, 0, h.sessions.ActiveCount())

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "hello"})
	h.expectError(t, CodeNotConnected)
}

func TestSendMessageReturnsAgentResponse(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	h.send(t, protocol.SendMessage{
		Type:    protocol.TypeSendMessage,
		Message: protocol.ChatMessage{Type: protocol.MessageKindText, Content: "thanks"},
	})
	msg := h.recv(t)
	resp, ok := msg.(protocol.AgentResponse)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, st.SessionID, resp.SessionID)
	assert.Equal(t, protocol.MessageKindText, resp.Kind)
	assert.Equal(t, "You're welcome! Is there anything else I can help you with?", resp.Content)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Zero(t, h.completer.count())

	h.send(t, protocol.SendMessage{
		Type:    protocol.TypeSendMessage,
		Message: protocol.ChatMessage{Type: protocol.MessageKindAudio, Data: protocol.AudioPayload{1, 2}, Format: "wav"},
	})
	msg = h.recv(t)
	resp, ok = msg.(protocol.AgentResponse)
	require.Truef(t, ok, "got %T", msg)
	assert.NotEmpty(t, resp.Metadata["qualityIssues"])
}

func TestInterruptKeepsLaterAssistantTranscript(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	h.send(t, protocol.SendText{Type: protocol.TypeSendText, Text: "hello"})
	require.Equal(t, "conversation.item.create", h.upstream.next(t)["type"])
	require.Equal(t, "response.create", h.upstream.next(t)["type"])

	// The voiced greeting is cancelled before its transcript arrives.
	h.send(t, protocol.Interrupt{Type: protocol.TypeInterrupt})
	require.Equal(t, "response.cancel", h.upstream.next(t)["type"])

	conn := h.upstream.conn(t)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "response.audio_transcript.done",
		"transcript": "Your store is at 1 Market St.",
	}))
	msg := h.recv(t)
	tr, ok := msg.(protocol.Transcript)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, string(session.RoleAssistant), tr.Role)

	history := h.sessions.History(st.SessionID)
	require.Len(t, history, 3)
	assert.Equal(t, session.RoleAssistant, history[2].Role)
	assert.Equal(t, "Your store is at 1 Market St.", history[2].Content)
}

func TestInterruptedTurnReplyIsDropped(t *testing.T) {
	held := &heldCompleter{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		reply:   "Your balance is $42.50.",
	}
	h := newHarness(t, harnessConfig{completer: held})
	var once sync.Once
	release := func() { once.Do(func() { close(held.release) }) }
	t.Cleanup(release)
	st := h.join(t, "u1")

	h.send(t, protocol.SendMessage{
		Type:    protocol.TypeSendMessage,
		Message: protocol.ChatMessage{Type: protocol.MessageKindText, Content: "what is my balance"},
	})
	select {
	case <-held.started:
	case <-time.After(waitTimeout):
		t.Fatalf("supervisor was not consulted")
	}
	h.send(t, protocol.Interrupt{Type: protocol.TypeInterrupt})
	require.Equal(t, "response.cancel", h.upstream.next(t)["type"])
	release()

	// Turns run in order, so this reply arrives after the interrupted one.
	h.send(t, protocol.SendMessage{
		Type:    protocol.TypeSendMessage,
		Message: protocol.ChatMessage{Type: protocol.MessageKindText, Content: "thanks"},
	})
	msg := h.recv(t)
	resp, ok := msg.(protocol.AgentResponse)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, "You're welcome! Is there anything else I can help you with?", resp.Content)

	history := h.sessions.History(st.SessionID)
	require.Len(t, history, 3)
	assert.Equal(t, "what is my balance", history[0].Content)
	assert.Equal(t, "thanks", history[1].Content)
	assert.Equal(t, session.RoleAssistant, history[2].Role)
	for _, turn := range history {
		assert.NotContains(t, turn.Content, "42.50")
	}
}

func TestHandoffSwitchesAgent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	h.send(t, protocol.Handoff{Type: protocol.TypeHandoff, Agent: "curator"})
	msg := h.recv(t)
	resp, ok := msg.(protocol.AgentResponse)
	require.Truef(t, ok, "got %T", msg)
	assert.Equal(t, "handoff", resp.Kind)
	assert.Equal(t, supervisor.AgentCurator, resp.Metadata["agent"])

	s, err := h.sessions.Get(st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, supervisor.AgentCurator, s.Agent)

	h.send(t, protocol.Handoff{Type: protocol.TypeHandoff, Agent: "nobody"})
	h.expectError(t, CodeHandoffFailed)
}

func TestClientDisconnectClosesSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	st := h.join(t, "u1")

	h.send(t, protocol.DisconnectSession{Type: protocol.TypeDisconnectSession})
	got := h.expectStatus(t, session.StatusDisconnected)
	assert.Equal(t, st.SessionID, got.SessionID)
	assert.Equal(t, 0, h.sessions.ActiveCount())

	events, err := h.audit.RecentByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventSessionDisconnected, last.Type)
	assert.Equal(t, "client_disconnect", last.Detail)

	// A new session may be joined on the same connection.
	again := h.join(t, "u1")
	assert.NotEqual(t, st.SessionID, again.SessionID)
}

func TestInactiveSessionExpires(t *testing.T) {
	h := newHarness(t, harnessConfig{inactivityTimeout: 50 * time.Millisecond})
	st := h.join(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sessions.StartJanitor(ctx, 10*time.Millisecond)

	got := h.expectStatus(t, session.StatusDisconnected)
	assert.Equal(t, st.SessionID, got.SessionID)
	assert.Equal(t, 0, h.sessions.ActiveCount())

	events, err := h.audit.RecentByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	var types []audit.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, audit.EventSessionExpired)
}

func TestShutdownStopsConnections(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.join(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.g.Shutdown(ctx))

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("connection did not stop on shutdown")
	}
	assert.Equal(t, 0, h.sessions.ActiveCount())

	err := h.g.RunConnection(context.Background(), make(chan any), make(chan any, 1))
	assert.True(t, errors.Is(err, ErrShuttingDown))
}
