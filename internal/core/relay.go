package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"cmoon.dev/moonchat/internal/store"
)

const relaySystemInstruction = "You are a helpful assistant. Answer the user's questions clearly and concisely."

// ReplyPolicy selects how the relay obtains the assistant's reply for a
// given model.
type ReplyPolicy int

const (
	// StreamingPolicy streams the reply chunk by chunk and accumulates it.
	StreamingPolicy ReplyPolicy = iota
	// RoleCoercedSinglePolicy issues one non-streaming call with every
	// non-assistant role coerced to "user", for provider variants that only
	// distinguish those two roles and reject streaming.
	RoleCoercedSinglePolicy
)

// modelPolicies maps model identifiers to their reply policy. Models not
// listed here stream. Adding a model variant means adding a row, not new
// branching in the relay.
var modelPolicies = map[string]ReplyPolicy{
	"o1-preview": RoleCoercedSinglePolicy,
}

// PolicyFor returns the reply policy for a model identifier.
func PolicyFor(model string) ReplyPolicy {
	if p, ok := modelPolicies[model]; ok {
		return p
	}
	return StreamingPolicy
}

// ModelInvocationError wraps any upstream completion failure: rejected
// credentials, exhausted quota, network errors, truncated streams. Nothing
// has been persisted when it is returned, so the caller may retry with the
// same history.
type ModelInvocationError struct {
	Model string
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model %s invocation failed: %v", e.Model, e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// Credentials identify the completion endpoint for one relay call.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Relay translates a message log into a chat completion call.
type Relay struct{}

func NewRelay() *Relay {
	return &Relay{}
}

func (r *Relay) newClient(creds Credentials) *openai.Client {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Generate produces the assistant's reply for the given history. Stored
// system messages are excluded from model input; the relay's own fixed
// instruction takes their place. For streaming models each text fragment is
// forwarded to onChunk (may be nil) as it arrives, and the accumulated full
// text is returned once the stream ends. A stream that terminates abnormally
// discards its partial text and returns a *ModelInvocationError.
func (r *Relay) Generate(ctx context.Context, creds Credentials, settings Settings, history []store.Message, onChunk func(string)) (string, error) {
	client := r.newClient(creds)

	switch PolicyFor(settings.Model) {
	case RoleCoercedSinglePolicy:
		return r.generateSingle(ctx, client, settings, history)
	default:
		return r.generateStream(ctx, client, settings, history, onChunk)
	}
}

func (r *Relay) generateStream(ctx context.Context, client *openai.Client, settings Settings, history []store.Message, onChunk func(string)) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: relaySystemInstruction},
	}
	for _, msg := range history {
		if msg.Role == store.RoleSystem {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       settings.Model,
		Messages:    messages,
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		MaxTokens:   settings.MaxTokens,
		Stream:      true,
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", &ModelInvocationError{Model: settings.Model, Err: err}
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Partial output is discarded; never persist a truncated reply.
			return "", &ModelInvocationError{Model: settings.Model, Err: err}
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}

	return reply.String(), nil
}

func (r *Relay) generateSingle(ctx context.Context, client *openai.Client, settings Settings, history []store.Message) (string, error) {
	var messages []openai.ChatCompletionMessage
	for _, msg := range history {
		if msg.Role == store.RoleSystem {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	// This provider variant rejects sampling parameters; send only the
	// model and the coerced history.
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    settings.Model,
		Messages: messages,
	})
	if err != nil {
		return "", &ModelInvocationError{Model: settings.Model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ModelInvocationError{Model: settings.Model, Err: fmt.Errorf("empty completion response")}
	}
	return resp.Choices[0].Message.Content, nil
}
