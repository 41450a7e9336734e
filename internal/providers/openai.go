package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

// OpenAITransport speaks the OpenAI chat completions API. DeepSeek,
// SiliconFlow, and Ollama endpoints are OpenAI-compatible, so this transport
// covers all of them via BaseURL.
//
// Tool calls stream incrementally and are accumulated per index until the
// finish reason signals completion. Transient failures (rate limits, 5xx,
// timeouts) are retried with linear backoff.
type OpenAITransport struct {
	client     *openai.Client
	name       string
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOptions configures an OpenAITransport.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	// Name overrides the transport name, used when one endpoint is wired
	// per model profile. Empty means "openai".
	Name   string
	Logger *slog.Logger
}

// NewOpenAITransport creates a transport. An empty API key defers the error
// to the first Complete call.
func NewOpenAITransport(opts OpenAIOptions) *OpenAITransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	name := opts.Name
	if name == "" {
		name = "openai"
	}

	t := &OpenAITransport{
		name:       name,
		logger:     logger.With("component", "openai", "transport", name),
		maxRetries: 3,
		retryDelay: time.Second,
	}

	if opts.APIKey != "" {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		t.client = openai.NewClientWithConfig(cfg)
	}

	return t
}

func (t *OpenAITransport) Name() string {
	return t.name
}

// Complete starts a streaming completion. Returned errors cover request
// construction and exhausted retries; stream failures arrive as chunks.
func (t *OpenAITransport) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if t.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: t.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = t.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.retryDelay * time.Duration(attempt)):
			}
			t.logger.Debug("retrying completion", "attempt", attempt, "model", req.Model)
		}

		stream, lastErr = t.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, wrapTransportError("openai", req.Model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, wrapTransportError("openai", req.Model, fmt.Errorf("max retries exceeded: %w", lastErr))
	}

	chunks := make(chan *CompletionChunk)
	go t.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (t *OpenAITransport) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls arrive fragmented across deltas, keyed by index.
	toolCalls := make(map[int]*models.ToolCall)

	// Flush in index order so multi-call responses execute in the order the
	// model emitted them.
	flush := func() {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			if tc := toolCalls[i]; tc.ID != "" && tc.Name != "" {
				chunks <- &CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &CompletionChunk{Done: true}
				return
			}
			chunks <- &CompletionChunk{Error: err, Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertMessages maps the transcript to OpenAI's shape. The assembled
// prompt and any stored system messages are folded into one leading system
// message; each tool result is its own tool message.
func (t *OpenAITransport) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if combined := combineSystemText(system, messages); combined != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: combined,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			// Already folded into the leading system message.
			continue

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return out
}

func (t *OpenAITransport) convertTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			// A bad schema on one tool must not break the rest.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
