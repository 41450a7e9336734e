// Package providers contains the model profile catalogue and the transports
// that speak to upstream LLM APIs. All transports normalize their output to
// the same chunk stream so the engine never sees provider-specific shapes.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

var (
	// ErrProfileNotFound is returned when a profile name is not in the catalogue.
	ErrProfileNotFound = errors.New("model profile not found")
	// ErrNoDefault is returned when a capability has no default profile.
	ErrNoDefault = errors.New("no default profile for capability")
	// ErrEmptyResponse is returned when a stream ends without content.
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// Transport is a streaming chat completion backend.
type Transport interface {
	// Complete starts a completion and returns a channel of chunks. The
	// channel is closed after a Done or Error chunk. Cancelling ctx stops
	// the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the transport ("openai", "anthropic").
	Name() string
}

// CompletionRequest is the normalized request shape.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// ToolSpec describes one callable tool for the upstream API.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionChunk is one streamed fragment of a completion.
type CompletionChunk struct {
	Text         string
	Thinking     string
	ToolCall     *models.ToolCall
	Done         bool
	InputTokens  int
	OutputTokens int
	Error        error
}

// Completion is the fully accumulated result of one stream.
type Completion struct {
	Text         string
	Thinking     string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains a chunk stream into a Completion. It returns the first
// stream error, or ctx.Err() when the context ends first.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk) (*Completion, error) {
	var out Completion
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if out.Text == "" && len(out.ToolCalls) == 0 {
					return nil, ErrEmptyResponse
				}
				return &out, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			out.Text += chunk.Text
			out.Thinking += chunk.Thinking
			if chunk.ToolCall != nil {
				out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				out.InputTokens = chunk.InputTokens
				out.OutputTokens = chunk.OutputTokens
			}
		}
	}
}

// wrapTransportError annotates transport failures with the provider and model.
func wrapTransportError(provider, model string, err error) error {
	return fmt.Errorf("%s: model %s: %w", provider, model, err)
}

// combineSystemText joins the assembled prompt with any system messages
// stored in the transcript, in transcript order. Imported sessions carry
// their system messages this way.
func combineSystemText(system string, messages []models.Message) string {
	parts := make([]string, 0, 2)
	if system != "" {
		parts = append(parts, system)
	}
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
