package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicebridge/internal/audit"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/supervisor"
)

// Client-visible error codes.
const (
	CodeSessionActive         = "session_active"
	CodeNotConnected          = "not_connected"
	CodeUpstreamConnectFailed = "upstream_connect_failed"
	CodeUpstreamSendFailed    = "upstream_send_failed"
	CodeUnsupportedAudio      = "unsupported_audio_payload"
	CodeInvalidClientMessage  = "invalid_client_message"
	CodeMessageTooLarge       = "message_too_large"
	CodeAgentConfigFailed     = "agent_config_failed"
	CodeHandoffFailed         = "handoff_failed"
	CodeTurnFailed            = "turn_failed"
	CodeTurnQueueFull         = "turn_queue_full"
)

const statusReasonUpstreamClosed = "upstream_closed"

type turnKind int

const (
	turnVoiceText turnKind = iota
	turnMessageText
	turnMessageAudio
)

type turnRequest struct {
	id        uint64
	ctx       context.Context
	kind      turnKind
	sessionID string
	text      string
	audio     supervisor.AudioInput
}

type turnResult struct {
	req   turnRequest
	reply supervisor.Reply
	err   error
}

// connection is the state owned by one RunConnection actor.
type connection struct {
	g        *Gateway
	outbound chan<- any
	log      logrus.FieldLogger

	sess   *session.Session
	up     Upstream
	events <-chan realtime.Event

	turns   chan turnRequest
	results chan turnResult
	nextID  uint64
	pending map[uint64]context.CancelFunc
	// voiced counts supervisor replies handed to the upstream whose
	// transcripts are already recorded in history.
	voiced int
}

func newConnection(g *Gateway, outbound chan<- any) *connection {
	return &connection{
		g:        g,
		outbound: outbound,
		log:      g.log,
		turns:    make(chan turnRequest, turnQueueSize),
		results:  make(chan turnResult, turnQueueSize),
		pending:  make(map[uint64]context.CancelFunc),
	}
}

func (c *connection) loop(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleClient(ctx, msg)
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				c.teardown(true, statusReasonUpstreamClosed)
				continue
			}
			c.handleUpstream(ctx, ev)
		case res := <-c.results:
			c.handleTurnResult(ctx, res)
		}
	}
}

func (c *connection) handleClient(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.JoinSession:
		c.join(ctx, m.UserID)
	case protocol.SendText:
		if !c.touch() {
			return
		}
		if c.g.textMode == config.TextModeRealtime {
			if _, err := c.g.sessions.AppendTurn(c.sess.ID, session.TurnText, session.RoleUser, m.Text); err != nil {
				c.log.WithError(err).Debug("user turn not recorded")
			}
			c.upstreamCall(ctx, "send_text", func(ctx context.Context) error { return c.up.SendText(ctx, m.Text) })
			return
		}
		c.enqueueTurn(ctx, turnRequest{kind: turnVoiceText, text: m.Text})
	case protocol.SendAudio:
		if !c.touch() {
			return
		}
		if len(m.Audio) == 0 {
			c.sendError(protocol.ErrUnsupportedAudioPayload.Error(), CodeUnsupportedAudio)
			return
		}
		c.upstreamCall(ctx, "send_audio", func(ctx context.Context) error { return c.up.SendAudioChunk(ctx, m.Audio) })
	case protocol.CommitAudio:
		if !c.touch() {
			return
		}
		c.upstreamCall(ctx, "commit_audio", func(ctx context.Context) error {
			if err := c.up.CommitAudioInput(ctx); err != nil {
				return err
			}
			return c.up.CreateResponse(ctx)
		})
	case protocol.ClearAudio:
		if !c.touch() {
			return
		}
		c.upstreamCall(ctx, "clear_audio", c.up.ClearAudioInput)
	case protocol.Interrupt:
		if !c.touch() {
			return
		}
		c.cancelTurns()
		// A cancelled response may never deliver its transcript.
		c.voiced = 0
		c.upstreamCall(ctx, "interrupt", c.up.CancelResponse)
	case protocol.Mute:
		if !c.touch() {
			return
		}
		c.mute(ctx, *m.Muted)
	case protocol.DisconnectSession:
		if c.sess == nil {
			c.sendError("no active session", CodeNotConnected)
			return
		}
		c.teardown(true, "client_disconnect")
	case protocol.SendMessage:
		if !c.touch() {
			return
		}
		req := turnRequest{kind: turnMessageText, text: m.Message.Content}
		if m.Message.Type == protocol.MessageKindAudio {
			req.kind = turnMessageAudio
			req.audio = supervisor.AudioInput{
				Data:       []byte(m.Message.Data),
				Format:     m.Message.Format,
				SampleRate: m.Message.SampleRate,
			}
		}
		c.enqueueTurn(ctx, req)
	case protocol.Handoff:
		if !c.touch() {
			return
		}
		c.handoff(m.Agent)
	default:
		c.log.WithField("message", fmt.Sprintf("%T", msg)).Warn("unhandled client message")
	}
}

func (c *connection) join(ctx context.Context, userID string) {
	if c.sess != nil {
		c.sendError("a session is already active on this connection", CodeSessionActive)
		return
	}
	g := c.g
	sess := g.sessions.Create(userID)
	c.log = g.log.WithFields(logrus.Fields{"session_id": sess.ID, "user_id": sess.UserID})
	g.sessionEvent("created")
	g.record(sess, audit.EventSessionCreated, sess.Agent)

	instructions, tools, err := g.orchestrator.RealtimeConfig(sess.Agent)
	if err != nil {
		c.failJoin(sess, nil, CodeAgentConfigFailed, err)
		return
	}
	opts := g.upstream
	opts.Instructions = instructions
	opts.Tools = tools
	opts.Logger = c.log
	up := g.newUpstream(opts)
	if err := g.sessions.Attach(sess.ID, up); err != nil {
		c.failJoin(sess, up, CodeUpstreamConnectFailed, err)
		return
	}

	start := time.Now()
	err = up.Connect(ctx)
	g.metrics.ObserveStage(observability.StageUpstreamConnect, time.Since(start))
	if err != nil {
		if g.metrics != nil {
			g.metrics.ProviderErrors.WithLabelValues("realtime", "connect_failed").Inc()
		}
		c.failJoin(sess, up, CodeUpstreamConnectFailed, err)
		return
	}
	if err := g.sessions.SetStatus(sess.ID, session.StatusConnected); err != nil {
		c.failJoin(sess, up, CodeUpstreamConnectFailed, err)
		return
	}

	c.sess = sess
	c.up = up
	c.events = up.Events()
	g.sessionEvent("connected")
	g.record(sess, audit.EventSessionConnected, "")
	c.log.Info("session connected")
	c.send(protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		Status:    string(session.StatusConnected),
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
}

func (c *connection) failJoin(sess *session.Session, up Upstream, code string, err error) {
	g := c.g
	c.log.WithError(err).Warn("session join failed")
	c.sendError(err.Error(), code)
	_ = g.sessions.SetStatus(sess.ID, session.StatusDisconnected)
	if closer, ok := g.sessions.Remove(sess.ID); ok && closer != nil {
		_ = closer.Close()
	} else if up != nil {
		_ = up.Close()
	}
	g.sessionEvent("connect_failed")
	g.record(sess, audit.EventUpstreamFailed, err.Error())
	c.send(protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		Status:    string(session.StatusDisconnected),
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
	c.log = g.log
}

// teardown closes the upstream channel and forgets the session. notify
// controls whether the client is told; it is false once the client is gone.
func (c *connection) teardown(notify bool, reason string) error {
	c.cancelTurns()
	if c.sess == nil {
		return nil
	}
	g := c.g
	sess := c.sess
	_ = g.sessions.SetStatus(sess.ID, session.StatusDisconnected)

	var closeErr error
	if closer, ok := g.sessions.Remove(sess.ID); ok && closer != nil {
		closeErr = closer.Close()
	} else if c.up != nil {
		closeErr = c.up.Close()
	}
	if closeErr != nil {
		closeErr = fmt.Errorf("close session %s: %w", sess.ID, closeErr)
	}

	g.sessionEvent("disconnected")
	g.record(sess, audit.EventSessionDisconnected, reason)
	c.log.WithField("reason", reason).Info("session disconnected")

	c.sess, c.up, c.events, c.voiced = nil, nil, nil, 0
	c.log = g.log
	if notify {
		c.send(protocol.SessionStatus{
			Type:      protocol.TypeSessionStatus,
			Status:    string(session.StatusDisconnected),
			SessionID: sess.ID,
			UserID:    sess.UserID,
		})
	}
	return closeErr
}

// touch reports whether a connected session exists and refreshes its
// activity. A session the janitor already evicted is torn down.
func (c *connection) touch() bool {
	if c.sess == nil || c.up == nil {
		c.sendError("no active session; send join_session first", CodeNotConnected)
		return false
	}
	if err := c.g.sessions.Touch(c.sess.ID); err != nil {
		c.teardown(true, "session_expired")
		c.sendError("session expired", CodeNotConnected)
		return false
	}
	return true
}

func (c *connection) upstreamCall(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		code := CodeUpstreamSendFailed
		if errors.Is(err, realtime.ErrNotOpen) {
			code = CodeNotConnected
		}
		c.log.WithError(err).WithField("op", op).Warn("upstream call failed")
		c.sendError(err.Error(), code)
	}
}

func (c *connection) mute(ctx context.Context, muted bool) {
	if err := c.g.sessions.SetMuted(c.sess.ID, muted); err != nil {
		c.sendError(err.Error(), CodeNotConnected)
		return
	}
	cfg := c.up.Configuration()
	if muted {
		cfg.TurnDetection = nil
	} else {
		cfg.TurnDetection = realtime.DefaultTurnDetection()
	}
	c.upstreamCall(ctx, "mute", func(ctx context.Context) error { return c.up.UpdateConfiguration(ctx, cfg) })
}

func (c *connection) handoff(agent string) {
	profile, err := c.g.orchestrator.Handoff(c.sess.ID, agent)
	if err != nil {
		c.sendError(err.Error(), CodeHandoffFailed)
		return
	}
	c.g.record(c.sess, audit.EventAgentHandoff, profile.Name)
	c.send(protocol.AgentResponse{
		Type:      protocol.TypeAgentResponse,
		SessionID: c.sess.ID,
		Kind:      "handoff",
		Content:   fmt.Sprintf("Transferred to %s.", profile.Name),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"agent": profile.Name},
	})
}

func (c *connection) handleUpstream(ctx context.Context, ev realtime.Event) {
	if c.g.metrics != nil {
		c.g.metrics.UpstreamEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	if c.sess == nil {
		return
	}
	sid := c.sess.ID
	switch ev.Kind {
	case realtime.EventConnectionEstablished:
	case realtime.EventInputTranscribed:
		c.appendTurn(session.TurnAudio, session.RoleUser, ev.Text)
		c.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: sid, Text: ev.Text, Role: string(session.RoleUser)})
	case realtime.EventOutputTranscriptDone:
		if c.voiced > 0 {
			c.voiced--
		} else {
			c.appendTurn(session.TurnAudio, session.RoleAssistant, ev.Text)
		}
		c.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: sid, Text: ev.Text, Role: string(session.RoleAssistant)})
	case realtime.EventOutputAudioDelta:
		c.send(protocol.AudioResponse{Type: protocol.TypeAudioResponse, SessionID: sid, Audio: ev.Audio})
	case realtime.EventUpstreamError:
		msg, code := "upstream error", ""
		fatal := false
		if ev.Err != nil {
			msg, code, fatal = ev.Err.Message, ev.Err.Code, ev.Err.Fatal
		}
		if c.g.metrics != nil {
			c.g.metrics.ProviderErrors.WithLabelValues("realtime", code).Inc()
		}
		c.send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sid, Message: msg, Code: code})
		if fatal {
			c.teardown(true, "fatal_upstream_error")
		}
	case realtime.EventConnectionClosed:
		c.log.WithFields(logrus.Fields{"code": ev.CloseCode, "reason": ev.CloseText}).Info("upstream closed")
		c.teardown(true, statusReasonUpstreamClosed)
	case realtime.EventFunctionCall:
		c.answerFunctionCall(ctx, ev.Call)
	default:
		if len(ev.Raw) == 0 {
			return
		}
		c.send(protocol.RealtimeEvent{Type: protocol.TypeRealtimeEvent, SessionID: sid, Event: ev.Raw})
	}
}

func (c *connection) answerFunctionCall(ctx context.Context, call *realtime.FunctionCall) {
	if call == nil {
		return
	}
	out, err := c.g.orchestrator.ExecuteTool(ctx, call.Name, call.Arguments)
	if err != nil {
		c.log.WithError(err).WithField("tool", call.Name).Warn("realtime tool call failed")
		raw, _ := json.Marshal(map[string]string{"error": err.Error()})
		out = string(raw)
	}
	c.upstreamCall(ctx, "function_output", func(ctx context.Context) error {
		if err := c.up.SendFunctionOutput(ctx, call.CallID, out); err != nil {
			return err
		}
		return c.up.CreateResponse(ctx)
	})
}

func (c *connection) appendTurn(typ session.TurnType, role session.Role, text string) {
	if _, err := c.g.sessions.AppendTurn(c.sess.ID, typ, role, text); err != nil {
		c.log.WithError(err).Debug("turn not recorded")
	}
}

func (c *connection) send(msg any) {
	c.g.deliver(c.outbound, msg)
}

func (c *connection) sendError(message, code string) {
	sid := ""
	if c.sess != nil {
		sid = c.sess.ID
	}
	c.send(protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sid, Message: message, Code: code})
}

// deliver hands msg to the client writer, dropping it if the writer stays
// blocked for longer than the send timeout.
func (g *Gateway) deliver(outbound chan<- any, msg any) {
	timer := time.NewTimer(g.sendTimeout)
	defer timer.Stop()
	result := "delivered"
	select {
	case outbound <- msg:
	case <-timer.C:
		result = "timeout"
		g.log.WithField("message", fmt.Sprintf("%T", msg)).Warn("outbound message dropped")
	}
	if g.metrics != nil {
		g.metrics.OutboundDelivery.WithLabelValues(result).Inc()
	}
}
