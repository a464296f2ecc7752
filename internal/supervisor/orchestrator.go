package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/session"
)

const (
	defaultMaxToolRounds = 8
	defaultTurnTimeout   = 30 * time.Second
	logPreviewRunes      = 80

	apologyReply          = "Sorry, something went wrong while handling your message. Please try again."
	unclearAudioReply     = "I couldn't make out what you said. Could you please say that again?"
	audioFailureReplyHead = "Sorry, I couldn't process that audio"
)

var (
	ErrToolLoopExceeded = errors.New("supervisor tool loop exceeded")
	ErrEmptyCompletion  = errors.New("supervisor returned an empty completion")
	ErrTranscriberUnset = errors.New("no transcriber configured")
)

// SessionStore is the slice of the session registry the orchestrator needs.
type SessionStore interface {
	Get(sessionID string) (*session.Session, error)
	Touch(sessionID string) error
	AppendTurn(sessionID string, typ session.TurnType, role session.Role, content string) (session.Turn, error)
	History(sessionID string) []session.Turn
	SetAgent(sessionID, agent string) error
}

type Options struct {
	Sessions      SessionStore
	Completer     Completer
	Transcriber   Transcriber
	Agents        *Agents
	Tools         *ToolRegistry
	MaxToolRounds int
	TurnTimeout   time.Duration
	Language      string
	Metrics       *observability.Metrics
	Logger        logrus.FieldLogger
	// Pick chooses a filler phrase index in [0, n). Defaults to math/rand.
	Pick func(n int) int
}

// Reply is the outcome of one orchestrator turn.
type Reply struct {
	Content        string
	Timestamp      time.Time
	Intent         Intent
	UsedSupervisor bool
	Filler         string
	Error          bool
	ErrorMessage   string
	QualityIssues  []string
	EmptyAudio     bool
	Transcription  *Transcription

	// TurnID is the history entry recording this reply, if any.
	TurnID string
}

// Metadata renders the reply flags in the client's agent_response shape.
func (r Reply) Metadata() map[string]any {
	md := map[string]any{}
	if r.UsedSupervisor {
		md["usedSupervisor"] = true
		md["fillerPhrase"] = r.Filler
	}
	if r.Intent != IntentNone {
		md["directIntent"] = string(r.Intent)
	}
	if r.Error {
		md["error"] = true
	}
	if r.ErrorMessage != "" {
		md["errorMessage"] = r.ErrorMessage
	}
	if len(r.QualityIssues) > 0 {
		md["qualityIssues"] = r.QualityIssues
	}
	if r.EmptyAudio {
		md["transcriptionEmpty"] = true
	}
	if r.Transcription != nil {
		md["audioTranscription"] = map[string]any{
			"originalText": r.Transcription.Text,
			"language":     r.Transcription.Language,
			"duration":     r.Transcription.Duration.Seconds(),
			"audioFormat":  r.Transcription.Format,
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// AudioInput is a recorded clip submitted for an orchestrator turn.
type AudioInput struct {
	Data       []byte
	Format     string
	SampleRate int
}

// Orchestrator answers text and audio turns: direct replies for small talk,
// supervisor escalation with a bounded tool loop for everything else.
type Orchestrator struct {
	sessions      SessionStore
	completer     Completer
	transcriber   Transcriber
	agents        *Agents
	tools         *ToolRegistry
	maxToolRounds int
	turnTimeout   time.Duration
	language      string
	metrics       *observability.Metrics
	log           logrus.FieldLogger
	pick          func(n int) int
	now           func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		sessions:      opts.Sessions,
		completer:     opts.Completer,
		transcriber:   opts.Transcriber,
		agents:        opts.Agents,
		tools:         opts.Tools,
		maxToolRounds: opts.MaxToolRounds,
		turnTimeout:   opts.TurnTimeout,
		language:      strings.TrimSpace(opts.Language),
		metrics:       opts.Metrics,
		log:           logging.Component(opts.Logger, "supervisor"),
		pick:          opts.Pick,
		now:           time.Now,
	}
	if o.agents == nil {
		o.agents = DefaultAgents()
	}
	if o.tools == nil {
		o.tools = NewToolRegistry(CustomerServiceTools(NewTelcoDataset())...)
	}
	if o.maxToolRounds <= 0 {
		o.maxToolRounds = defaultMaxToolRounds
	}
	if o.turnTimeout <= 0 {
		o.turnTimeout = defaultTurnTimeout
	}
	if o.pick == nil {
		o.pick = rand.IntN
	}
	return o
}

// HandleText runs one text turn. The only returned error is an unknown
// session; every other failure becomes an apology reply.
func (o *Orchestrator) HandleText(ctx context.Context, sessionID, text string) (Reply, error) {
	return o.handleText(ctx, sessionID, text, session.TurnText)
}

func (o *Orchestrator) handleText(ctx context.Context, sessionID, text string, turnType session.TurnType) (Reply, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return Reply{}, err
	}
	_ = o.sessions.Touch(sessionID)
	prior := o.sessions.History(sessionID)
	if _, err := o.sessions.AppendTurn(sessionID, turnType, session.RoleUser, text); err != nil {
		return Reply{}, err
	}

	log := o.log.WithField("session_id", sessionID).WithField("agent", sess.Agent)
	log.WithField("text", policy.Preview(text, logPreviewRunes)).Debug("turn received")
	profile, err := o.agents.Lookup(sess.Agent)
	if err != nil {
		log.WithError(err).Warn("session agent unknown; using default profile")
		profile, _ = o.agents.Lookup(AgentSupervisor)
	}

	if intent := Classify(text); intent != IntentNone {
		reply := Reply{
			Content:   DirectReply(intent, text, profile.Company),
			Timestamp: o.now(),
			Intent:    intent,
		}
		reply.TurnID = o.recordAssistant(sessionID, reply.Content)
		log.WithField("intent", intent).Debug("answered directly")
		return reply, nil
	}

	start := time.Now()
	answer, err := o.escalate(ctx, profile, prior, text)
	o.metrics.ObserveStage(observability.StageSupervisorTurn, time.Since(start))
	if err != nil {
		log.WithError(err).Error("supervisor turn failed")
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("supervisor", errorCode(err)).Inc()
		}
		reply := Reply{Content: apologyReply, Timestamp: o.now(), Error: true}
		reply.TurnID = o.recordAssistant(sessionID, reply.Content)
		return reply, nil
	}

	filler := fillerPhrases[o.pick(len(fillerPhrases))]
	reply := Reply{
		Content:        filler + " " + answer,
		Timestamp:      o.now(),
		UsedSupervisor: true,
		Filler:         filler,
	}
	reply.TurnID = o.recordAssistant(sessionID, reply.Content)
	return reply, nil
}

// HandleAudio validates and transcribes a clip, then runs the text pipeline
// on the transcript.
func (o *Orchestrator) HandleAudio(ctx context.Context, sessionID string, in AudioInput) (Reply, error) {
	if _, err := o.sessions.Get(sessionID); err != nil {
		return Reply{}, err
	}
	_ = o.sessions.Touch(sessionID)
	log := o.log.WithField("session_id", sessionID)

	format := strings.ToLower(strings.TrimSpace(in.Format))
	if format == "" {
		format = "wav"
	}
	report := audio.ValidateQuality(in.Data, format)
	if !report.Valid {
		log.WithField("issues", report.Issues).Warn("audio rejected before transcription")
		return Reply{
			Content:       fmt.Sprintf("There is a problem with the audio: %s. %s", strings.Join(report.Issues, ", "), strings.Join(report.Recommendations, " ")),
			Timestamp:     o.now(),
			Error:         true,
			QualityIssues: report.Issues,
		}, nil
	}
	if o.transcriber == nil {
		return o.audioFailure(log, ErrTranscriberUnset), nil
	}

	data := in.Data
	if audio.IsPCM(format) {
		wav, err := audio.EncodeWAVPCM16LE(data, in.SampleRate)
		if err != nil {
			return o.audioFailure(log, err), nil
		}
		data = wav
		format = "wav"
	}

	tctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	start := time.Now()
	tr, err := o.transcriber.Transcribe(tctx, TranscriptionRequest{Audio: data, Format: format, Language: o.language})
	cancel()
	o.metrics.ObserveStage(observability.StageTranscription, time.Since(start))
	if err != nil {
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("transcription", errorCode(err)).Inc()
		}
		return o.audioFailure(log, err), nil
	}
	if strings.TrimSpace(tr.Text) == "" {
		return Reply{Content: unclearAudioReply, Timestamp: o.now(), EmptyAudio: true}, nil
	}
	if tr.Format == "" {
		tr.Format = format
	}
	if tr.Duration <= 0 {
		tr.Duration = audio.EstimateDuration(data, format)
	}
	log.WithField("chars", len(tr.Text)).Debug("audio transcribed")

	reply, err := o.handleText(ctx, sessionID, tr.Text, session.TurnAudio)
	if err != nil {
		return Reply{}, err
	}
	reply.Transcription = &tr
	return reply, nil
}

// Handoff switches the session to another agent profile.
func (o *Orchestrator) Handoff(sessionID, agent string) (AgentProfile, error) {
	profile, err := o.agents.Lookup(agent)
	if err != nil {
		return AgentProfile{}, fmt.Errorf("%w (available: %s)", err, strings.Join(o.agents.Names(), ", "))
	}
	if err := o.sessions.SetAgent(sessionID, profile.Name); err != nil {
		return AgentProfile{}, err
	}
	o.log.WithField("session_id", sessionID).WithField("agent", profile.Name).Info("agent handoff")
	return profile, nil
}

// CheckProfiles reports agent profiles that reference unregistered tools.
func (o *Orchestrator) CheckProfiles() error {
	var result *multierror.Error
	for _, name := range o.agents.Names() {
		profile, err := o.agents.Lookup(name)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, err := o.tools.Definitions(profile.Tools); err != nil {
			result = multierror.Append(result, fmt.Errorf("agent %s: %w (registered: %s)", name, err, strings.Join(o.tools.Names(), ", ")))
		}
	}
	return result.ErrorOrNil()
}

// RealtimeConfig returns the instructions and upstream tool schema for agent.
func (o *Orchestrator) RealtimeConfig(agent string) (string, []realtime.Tool, error) {
	profile, err := o.agents.Lookup(agent)
	if err != nil {
		return "", nil, err
	}
	defs, err := o.tools.Definitions(profile.Tools)
	if err != nil {
		return "", nil, err
	}
	tools := make([]realtime.Tool, 0, len(defs))
	for _, d := range defs {
		params, err := json.Marshal(d.Parameters)
		if err != nil {
			return "", nil, fmt.Errorf("marshal %s parameters: %w", d.Name, err)
		}
		tools = append(tools, realtime.Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return profile.Instructions, tools, nil
}

// ExecuteTool runs a registered tool and returns its JSON output.
func (o *Orchestrator) ExecuteTool(ctx context.Context, name, arguments string) (string, error) {
	out, err := o.tools.Execute(ctx, name, arguments)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrUnknownTool):
		outcome = "unknown"
	case errors.Is(err, ErrInvalidArguments):
		outcome = "invalid_arguments"
	case err != nil:
		outcome = "error"
	}
	if o.metrics != nil {
		o.metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
	}
	return out, err
}

func (o *Orchestrator) escalate(ctx context.Context, profile AgentProfile, prior []session.Turn, text string) (string, error) {
	if o.completer == nil {
		return "", errors.New("no completer configured")
	}
	defs, err := o.tools.Definitions(profile.Tools)
	if err != nil {
		return "", err
	}
	userContent, err := supervisorUserContent(prior, text)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	allowed := make(map[string]struct{}, len(profile.Tools))
	for _, name := range profile.Tools {
		allowed[name] = struct{}{}
	}
	msgs := []Message{
		{Role: RoleSystem, Content: profile.Instructions},
		{Role: RoleUser, Content: userContent},
	}
	for round := 0; ; round++ {
		start := time.Now()
		c, err := o.completer.Complete(ctx, CompletionRequest{Messages: msgs, Tools: defs})
		o.metrics.ObserveStage(observability.StageCompletion, time.Since(start))
		if err != nil {
			return "", fmt.Errorf("completion round %d: %w", round, err)
		}
		if len(c.ToolCalls) == 0 {
			answer := strings.TrimSpace(c.Content)
			if answer == "" {
				return "", ErrEmptyCompletion
			}
			return answer, nil
		}
		if round >= o.maxToolRounds {
			return "", fmt.Errorf("%w after %d rounds", ErrToolLoopExceeded, round)
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: c.Content, ToolCalls: c.ToolCalls})
		for _, call := range c.ToolCalls {
			if _, ok := allowed[call.Name]; !ok {
				return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
			}
			out, err := o.ExecuteTool(ctx, call.Name, call.Arguments)
			if err != nil {
				if !errors.Is(err, ErrInvalidArguments) {
					return "", fmt.Errorf("tool %s: %w", call.Name, err)
				}
				// Invalid arguments are reported back to the model as tool output.
				out = toolErrorOutput(err)
			}
			o.log.WithField("tool", call.Name).Debug("tool executed")
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, Content: out})
		}
	}
}

type historyItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// supervisorUserContent renders prior conversational turns and the latest
// message into the supervisor's single user message.
func supervisorUserContent(prior []session.Turn, text string) (string, error) {
	items := make([]historyItem, 0, len(prior))
	for _, t := range prior {
		if t.Type == session.TurnSystem {
			continue
		}
		items = append(items, historyItem{Type: "message", Role: string(t.Role), Content: t.Content})
	}
	history, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	var b strings.Builder
	b.WriteString("==== Conversation History ====\n")
	b.Write(history)
	b.WriteString("\n\n==== Relevant Context From Last User Message ====\n")
	b.WriteString(text)
	return b.String(), nil
}

func toolErrorOutput(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}

func (o *Orchestrator) recordAssistant(sessionID, content string) string {
	t, err := o.sessions.AppendTurn(sessionID, session.TurnText, session.RoleAssistant, content)
	if err != nil {
		o.log.WithField("session_id", sessionID).WithError(err).Debug("assistant turn not recorded")
	}
	return t.ID
}

func (o *Orchestrator) audioFailure(log logrus.FieldLogger, err error) Reply {
	log.WithError(err).Error("audio turn failed")
	return Reply{
		Content:      fmt.Sprintf("%s: %v", audioFailureReplyHead, err),
		Timestamp:    o.now(),
		Error:        true,
		ErrorMessage: err.Error(),
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, ErrEmptyCompletion):
		return "empty_completion"
	default:
		return "provider_error"
	}
}
