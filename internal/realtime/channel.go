package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout   = 10 * time.Second
	eventQueueSize = 256
)

// Options configures a Channel. Model, voice, instructions and tools are
// fixed for the lifetime of the channel.
type Options struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	Instructions       string
	Tools              []Tool
	TranscriptionModel string
	HandshakeTimeout   time.Duration
	ConnectAttempts    int
	RetryBaseDelay     time.Duration
	Dialer             *websocket.Dialer
	Logger             logrus.FieldLogger
}

// Channel is one upstream realtime websocket connection owned by a session.
type Channel struct {
	opts   Options
	log    logrus.FieldLogger
	dialer *websocket.Dialer

	mu            sync.RWMutex
	state         State
	conn          *websocket.Conn
	config        MutableConfig
	readerStarted bool

	writeMu    sync.Mutex
	closeOnce  sync.Once
	eventsOnce sync.Once
	done       chan struct{}
	events     chan Event
}

func NewChannel(opts Options) *Channel {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = "wss://api.openai.com/v1/realtime"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 250 * time.Millisecond
	}
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	return &Channel{
		opts:   opts,
		log:    logging.Component(opts.Logger, "realtime"),
		dialer: dialer,
		state:  StateUninitialized,
		config: DefaultMutableConfig(opts.TranscriptionModel),
		done:   make(chan struct{}),
		events: make(chan Event, eventQueueSize),
	}
}

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Events delivers classified upstream events. The channel is closed after
// the read loop exits or when the Channel is closed before it ever opened.
func (c *Channel) Events() <-chan Event { return c.events }

// Configuration returns a copy of the current mutable session configuration.
func (c *Channel) Configuration() MutableConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.clone()
}

// Connect performs the handshake, sends the initial session.update and starts
// reading. Retryable handshake failures are retried up to ConnectAttempts.
// On failure the channel ends CLOSED.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateConnecting
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		_ = c.Close()
		return &ConnectionError{Err: err}
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.opts.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var conn *websocket.Conn
	err = reliability.Retry(ctx, c.opts.ConnectAttempts, c.opts.RetryBaseDelay, 4*c.opts.RetryBaseDelay, IsRetryable,
		func(attempt int) error {
			if attempt > 0 {
				c.log.WithField("attempt", attempt+1).Warn("retrying realtime handshake")
			}
			var dialErr error
			conn, dialErr = c.dial(ctx, endpoint, headers)
			return dialErr
		})
	if err != nil {
		_ = c.Close()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Err: errors.New("channel closed during handshake")}
	}
	c.conn = conn
	c.state = StateOpen
	c.readerStarted = true
	initial := sessionConfig{
		Model:         c.opts.Model,
		Modalities:    []string{"text", "audio"},
		Voice:         c.opts.Voice,
		Instructions:  c.opts.Instructions,
		Tools:         c.opts.Tools,
		MutableConfig: c.config.clone(),
	}
	c.mu.Unlock()

	if initial.Tools == nil {
		initial.Tools = []Tool{}
	}
	if len(initial.Tools) > 0 {
		initial.ToolChoice = "auto"
	}

	go c.readLoop(conn)

	if err := c.send(ctx, sessionUpdateEvent{Type: "session.update", Session: initial}); err != nil {
		_ = c.Close()
		return &ConnectionError{Err: fmt.Errorf("initial session.update: %w", err)}
	}
	c.log.WithField("model", c.opts.Model).Info("realtime channel open")
	return nil
}

func (c *Channel) dial(ctx context.Context, endpoint string, headers http.Header) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, headers)
	if err == nil {
		return conn, nil
	}
	ce := &ConnectionError{Err: err}
	if resp != nil {
		ce.StatusCode = resp.StatusCode
		ce.Retryable = reliability.IsRetryableHTTPStatus(resp.StatusCode)
	} else {
		// Network failures and handshake timeouts are retryable unless the
		// caller gave up.
		ce.Retryable = ctx.Err() == nil
	}
	return nil, ce
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if c.opts.Model != "" {
		q := u.Query()
		q.Set("model", c.opts.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SendText adds a user text message to the conversation and requests a
// response.
func (c *Channel) SendText(ctx context.Context, text string, opts ...ResponseOption) error {
	item := conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
	if err := c.send(ctx, item); err != nil {
		return err
	}
	return c.CreateResponse(ctx, opts...)
}

// SendAudioChunk appends PCM16 audio to the upstream input buffer. Audio that
// arrives while the channel is not open is dropped with a warning.
func (c *Channel) SendAudioChunk(ctx context.Context, pcm []byte) error {
	if c.State() != StateOpen {
		c.log.WithField("bytes", len(pcm)).Warn("dropping audio chunk, realtime channel not open")
		return nil
	}
	return c.send(ctx, audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *Channel) CommitAudioInput(ctx context.Context) error {
	return c.send(ctx, bareEvent{Type: "input_audio_buffer.commit"})
}

func (c *Channel) ClearAudioInput(ctx context.Context) error {
	return c.send(ctx, bareEvent{Type: "input_audio_buffer.clear"})
}

type ResponseOption func(*responseConfig)

// WithInstructions overrides the session instructions for a single response.
func WithInstructions(instructions string) ResponseOption {
	return func(r *responseConfig) { r.Instructions = instructions }
}

func (c *Channel) CreateResponse(ctx context.Context, opts ...ResponseOption) error {
	ev := responseCreateEvent{Type: "response.create"}
	if len(opts) > 0 {
		rc := &responseConfig{}
		for _, opt := range opts {
			opt(rc)
		}
		ev.Response = rc
	}
	return c.send(ctx, ev)
}

func (c *Channel) CancelResponse(ctx context.Context) error {
	return c.send(ctx, bareEvent{Type: "response.cancel"})
}

// SendFunctionOutput answers a function call the upstream model made.
func (c *Channel) SendFunctionOutput(ctx context.Context, callID, output string) error {
	return c.send(ctx, conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// UpdateConfiguration replaces the mutable session configuration wholesale.
func (c *Channel) UpdateConfiguration(ctx context.Context, cfg MutableConfig) error {
	if err := c.send(ctx, sessionUpdateEvent{Type: "session.update", Session: cfg}); err != nil {
		return err
	}
	c.mu.Lock()
	c.config = cfg.clone()
	c.mu.Unlock()
	return nil
}

// Close disconnects. It is safe to call more than once and from any goroutine.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		readerStarted := c.readerStarted
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}
		if !readerStarted {
			c.closeEvents()
		}
	})
	return err
}

func (c *Channel) send(ctx context.Context, payload any) error {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()
	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(payload); err != nil {
		c.abort(err)
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

// abort forces CLOSED after a transport failure. The read loop observes the
// broken connection and emits connection_closed.
func (c *Channel) abort(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.mu.Unlock()

	c.log.WithError(cause).Warn("realtime transport failure")
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.closeEvents()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		ev, err := classify(data)
		if err != nil {
			c.log.WithError(err).Debug("skipping malformed upstream event")
			continue
		}
		ev.ReceivedAt = time.Now().UTC()
		if ev.Err != nil {
			ev.Err.Fatal = reliability.IsFatalRealtimeError(ev.Err.Type, ev.Err.Code)
		}
		if !c.emit(ev) {
			return
		}
	}
}

// finish records the end of the read loop. A locally initiated Close does not
// produce a connection_closed event.
func (c *Channel) finish(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	ev := Event{
		Kind:       EventConnectionClosed,
		Type:       "connection.closed",
		CloseCode:  websocket.CloseAbnormalClosure,
		CloseText:  err.Error(),
		ReceivedAt: time.Now().UTC(),
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.CloseCode = ce.Code
		ev.CloseText = ce.Text
	}
	c.log.WithFields(logrus.Fields{"code": ev.CloseCode, "reason": ev.CloseText}).Info("realtime channel closed by upstream")
	c.emit(ev)
}

func (c *Channel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}
