package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicebridge/internal/audit"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/supervisor"
)

const (
	defaultSendTimeout = 2 * time.Second
	auditTimeout       = 2 * time.Second
	turnQueueSize      = 8
)

var ErrShuttingDown = errors.New("gateway is shutting down")

// Upstream is the per-session realtime channel as seen by the gateway.
type Upstream interface {
	Connect(ctx context.Context) error
	Events() <-chan realtime.Event
	SendText(ctx context.Context, text string, opts ...realtime.ResponseOption) error
	SendAudioChunk(ctx context.Context, pcm []byte) error
	CommitAudioInput(ctx context.Context) error
	ClearAudioInput(ctx context.Context) error
	CreateResponse(ctx context.Context, opts ...realtime.ResponseOption) error
	CancelResponse(ctx context.Context) error
	SendFunctionOutput(ctx context.Context, callID, output string) error
	UpdateConfiguration(ctx context.Context, cfg realtime.MutableConfig) error
	Configuration() realtime.MutableConfig
	Close() error
}

// Orchestrator is the conversation logic the gateway delegates turns to.
type Orchestrator interface {
	HandleText(ctx context.Context, sessionID, text string) (supervisor.Reply, error)
	HandleAudio(ctx context.Context, sessionID string, in supervisor.AudioInput) (supervisor.Reply, error)
	Handoff(sessionID, agent string) (supervisor.AgentProfile, error)
	RealtimeConfig(agent string) (string, []realtime.Tool, error)
	ExecuteTool(ctx context.Context, name, arguments string) (string, error)
}

type Options struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Audit        audit.Store
	Metrics      *observability.Metrics
	Logger       logrus.FieldLogger

	// Upstream is the template for every session's channel. Instructions
	// and tools are filled in per session from the agent profile.
	Upstream    realtime.Options
	NewUpstream func(realtime.Options) Upstream
	TextMode    string
	SendTimeout time.Duration
}

// Gateway relays client connections to per-session upstream channels.
type Gateway struct {
	sessions     *session.Manager
	orchestrator Orchestrator
	audit        audit.Store
	metrics      *observability.Metrics
	log          logrus.FieldLogger
	upstream     realtime.Options
	newUpstream  func(realtime.Options) Upstream
	textMode     string
	sendTimeout  time.Duration

	mu       sync.Mutex
	closing  bool
	conns    map[*connection]context.CancelFunc
	wg       sync.WaitGroup
	closeErr *multierror.Error
}

func New(opts Options) *Gateway {
	g := &Gateway{
		sessions:     opts.Sessions,
		orchestrator: opts.Orchestrator,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		log:          logging.Component(opts.Logger, "gateway"),
		upstream:     opts.Upstream,
		newUpstream:  opts.NewUpstream,
		textMode:     opts.TextMode,
		sendTimeout:  opts.SendTimeout,
		conns:        make(map[*connection]context.CancelFunc),
	}
	if g.newUpstream == nil {
		g.newUpstream = func(o realtime.Options) Upstream { return realtime.NewChannel(o) }
	}
	if g.textMode == "" {
		g.textMode = config.TextModeSupervisor
	}
	if g.sendTimeout <= 0 {
		g.sendTimeout = defaultSendTimeout
	}
	if g.audit == nil {
		g.audit = audit.NewInMemoryStore(0)
	}
	g.upstream.Logger = g.log
	g.sessions.SetExpireHook(g.onExpire)
	return g
}

// RunConnection drives one client connection until inbound closes, ctx is
// cancelled or the gateway shuts down. All session mutations for the
// connection happen on this goroutine.
func (g *Gateway) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConnection(g, outbound)
	if !g.track(c, cancel) {
		return ErrShuttingDown
	}
	defer g.untrack(c)

	go c.runTurns(ctx)
	err := c.loop(ctx, inbound)
	if closeErr := c.teardown(false, "connection_closed"); closeErr != nil {
		g.recordCloseErr(closeErr)
	}
	return err
}

// Shutdown stops every connection actor and waits for their upstream
// channels to close.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	for _, cancel := range g.conns {
		cancel()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var result *multierror.Error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	g.mu.Lock()
	if g.closeErr != nil {
		result = multierror.Append(result, g.closeErr.Errors...)
	}
	g.mu.Unlock()
	return result.ErrorOrNil()
}

func (g *Gateway) track(c *connection, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = cancel
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) recordCloseErr(err error) {
	g.mu.Lock()
	g.closeErr = multierror.Append(g.closeErr, err)
	g.mu.Unlock()
}

// onExpire runs on the janitor goroutine after the registry evicted an idle
// session. Closing the channel ends its event stream, which the owning actor
// observes as a disconnect.
func (g *Gateway) onExpire(s *session.Session, channel io.Closer) {
	log := g.log.WithField("session_id", s.ID).WithField("user_id", s.UserID)
	log.Info("session expired after inactivity")
	g.sessionEvent("expired")
	g.record(s, audit.EventSessionExpired, "")
	if channel != nil {
		if err := channel.Close(); err != nil {
			log.WithError(err).Debug("closing expired session channel")
		}
	}
}

func (g *Gateway) record(s *session.Session, typ audit.EventType, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	err := g.audit.Record(ctx, audit.Event{
		SessionID: s.ID,
		UserID:    s.UserID,
		Type:      typ,
		Detail:    detail,
	})
	if err != nil {
		g.log.WithError(err).WithField("session_id", s.ID).Warn("audit record failed")
	}
}

func (g *Gateway) sessionEvent(event string) {
	if g.metrics == nil {
		return
	}
	g.metrics.SessionEvents.WithLabelValues(event).Inc()
	g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
}
