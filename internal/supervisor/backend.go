package supervisor

import (
	"context"
	"time"
)

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry of a completion request. Assistant messages may carry
// tool calls; tool messages answer one call by ID.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Completion is either final text or a set of tool calls to run before
// asking again.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Completer produces the next supervisor completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

type TranscriptionRequest struct {
	Audio    []byte
	Format   string
	Language string
}

type Transcription struct {
	Text     string
	Language string
	Duration time.Duration
	Format   string
}

// Transcriber converts a recorded clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (Transcription, error)
}
