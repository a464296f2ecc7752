package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Bootstrapper mints ephemeral realtime sessions for browsers that connect
// to the vendor directly.
type Bootstrapper struct {
	client *openai.Client
	model  string
	voice  string
}

func NewBootstrapper(client *openai.Client, model, voice string) *Bootstrapper {
	return &Bootstrapper{client: client, model: model, voice: voice}
}

type ephemeralSessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// CreateEphemeralSession returns the vendor's session document verbatim,
// including its short-lived client secret.
func (b *Bootstrapper) CreateEphemeralSession(ctx context.Context) (json.RawMessage, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("realtime bootstrap is not configured")
	}
	var body []byte
	err := b.client.Post(ctx, "realtime/sessions",
		ephemeralSessionRequest{Model: b.model, Voice: b.voice},
		&body,
		option.WithHeader("OpenAI-Beta", "realtime=v1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create realtime session: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("create realtime session: upstream returned invalid json")
	}
	return json.RawMessage(body), nil
}
