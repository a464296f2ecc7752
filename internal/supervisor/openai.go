package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// NewOpenAIClient builds the client shared by the completer, the transcriber
// and the realtime bootstrapper.
func NewOpenAIClient(apiKey, baseURL string, opts ...option.RequestOption) *openai.Client {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	client := openai.NewClient(all...)
	return &client
}

// OpenAICompleter runs supervisor completions through Chat Completions.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(client *openai.Client, model string) (*OpenAICompleter, error) {
	if client == nil {
		return nil, fmt.Errorf("openai client is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	return &OpenAICompleter{client: client, model: model}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
		params.ParallelToolCalls = openai.Bool(false)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai returned no choices")
	}

	msg := completion.Choices[0].Message
	out := Completion{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		params := openai.FunctionParameters{}
		for k, v := range d.Parameters {
			params[k] = v
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// OpenAITranscriber sends clips to the audio transcriptions endpoint.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

func NewOpenAITranscriber(client *openai.Client, model string) (*OpenAITranscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("openai client is required")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.AudioModelWhisper1
	}
	return &OpenAITranscriber{client: client, model: model}, nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, req TranscriptionRequest) (Transcription, error) {
	name, mime := audio.FileName(req.Format)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(req.Audio), name, mime),
		Model: t.model,
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}
	res, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Transcription{}, fmt.Errorf("openai transcription error: %w", err)
	}
	return Transcription{
		Text:     strings.TrimSpace(res.Text),
		Language: req.Language,
		Duration: audio.EstimateDuration(req.Audio, req.Format),
		Format:   req.Format,
	}, nil
}
