package gateway

import (
	"context"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/realtime"
)

const voiceReplyInstructions = "Say the following to the user exactly as written, without adding anything:\n\n%s"

// enqueueTurn hands a turn to the connection's worker. Each turn gets its own
// context so an interrupt can cancel it whether queued or running.
func (c *connection) enqueueTurn(ctx context.Context, req turnRequest) {
	c.nextID++
	req.id = c.nextID
	req.sessionID = c.sess.ID
	turnCtx, cancel := context.WithCancel(ctx)
	req.ctx = turnCtx

	select {
	case c.turns <- req:
		c.pending[req.id] = cancel
	default:
		cancel()
		c.sendError("too many turns in flight", CodeTurnQueueFull)
	}
}

func (c *connection) cancelTurns() {
	for id, cancel := range c.pending {
		cancel()
		delete(c.pending, id)
	}
}

// runTurns executes queued turns one at a time until ctx ends.
func (c *connection) runTurns(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.turns:
			res := turnResult{req: req}
			if req.ctx.Err() == nil {
				switch req.kind {
				case turnMessageAudio:
					res.reply, res.err = c.g.orchestrator.HandleAudio(req.ctx, req.sessionID, req.audio)
				default:
					res.reply, res.err = c.g.orchestrator.HandleText(req.ctx, req.sessionID, req.text)
				}
			}
			select {
			case c.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *connection) handleTurnResult(ctx context.Context, res turnResult) {
	cancel, ok := c.pending[res.req.id]
	if !ok {
		// Interrupted or torn down while running.
		c.discardReply(res)
		return
	}
	delete(c.pending, res.req.id)
	interrupted := res.req.ctx.Err() != nil
	cancel()
	if interrupted || c.sess == nil || c.sess.ID != res.req.sessionID {
		c.discardReply(res)
		return
	}
	if res.err != nil {
		c.sendError(res.err.Error(), CodeTurnFailed)
		return
	}

	reply := res.reply
	switch res.req.kind {
	case turnVoiceText:
		c.voiced++
		c.upstreamCall(ctx, "voice_reply", func(ctx context.Context) error {
			return c.up.SendText(ctx, res.req.text, realtime.WithInstructions(fmt.Sprintf(voiceReplyInstructions, reply.Content)))
		})
	default:
		c.send(protocol.AgentResponse{
			Type:      protocol.TypeAgentResponse,
			SessionID: c.sess.ID,
			Kind:      protocol.MessageKindText,
			Content:   reply.Content,
			Timestamp: reply.Timestamp,
			Metadata:  reply.Metadata(),
		})
	}
}

// discardReply drops the history entry of a reply the user never received.
func (c *connection) discardReply(res turnResult) {
	if c.g.sessions.RemoveTurn(res.req.sessionID, res.reply.TurnID) {
		c.log.WithField("session_id", res.req.sessionID).Debug("discarded reply removed from history")
	}
}
