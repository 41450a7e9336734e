package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is declared malformed.
const maxEmptyStreamEvents = 100

// AnthropicTransport speaks the Anthropic Messages API. The system prompt is
// carried separately from the transcript, and tool results travel inside
// user messages as tool_result blocks.
type AnthropicTransport struct {
	client anthropic.Client
	name   string
	logger *slog.Logger
}

// AnthropicOptions configures an AnthropicTransport.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	// Name overrides the transport name for per-profile wiring. Empty
	// means "anthropic".
	Name   string
	Logger *slog.Logger
}

// NewAnthropicTransport creates a transport.
func NewAnthropicTransport(opts AnthropicOptions) (*AnthropicTransport, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: API key required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	name := opts.Name
	if name == "" {
		name = "anthropic"
	}

	return &AnthropicTransport{
		client: anthropic.NewClient(clientOpts...),
		name:   name,
		logger: logger.With("component", "anthropic", "transport", name),
	}, nil
}

func (t *AnthropicTransport) Name() string {
	return t.name
}

func (t *AnthropicTransport) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	messages, err := t.convertMessages(req.Messages)
	if err != nil {
		return nil, wrapTransportError("anthropic", req.Model, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if combined := combineSystemText(req.System, req.Messages); combined != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: combined}}
	}
	if len(req.Tools) > 0 {
		tools, err := t.convertTools(req.Tools)
		if err != nil {
			return nil, wrapTransportError("anthropic", req.Model, err)
		}
		params.Tools = tools
	}

	stream := t.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *CompletionChunk)
	go t.processStream(stream, chunks, req.Model)
	return chunks, nil
}

func (t *AnthropicTransport) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *CompletionChunk, model string) {
	defer close(chunks)

	var currentToolCall *models.ToolCall
	var toolInput []byte
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput = toolInput[:0]
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &CompletionChunk{Thinking: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput = append(toolInput, delta.PartialJSON...)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := toolInput
				if len(input) == 0 {
					input = []byte("{}")
				}
				currentToolCall.Input = json.RawMessage(append([]byte(nil), input...))
				chunks <- &CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &CompletionChunk{Error: wrapTransportError("anthropic", model, errors.New("stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &CompletionChunk{Error: wrapTransportError("anthropic", model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &CompletionChunk{Error: wrapTransportError("anthropic", model, err)}
	}
}

func (t *AnthropicTransport) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == models.RoleTool {
			// Tool results become tool_result blocks in a user message.
			content = []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			}
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}

	return out, nil
}

func (t *AnthropicTransport) convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
