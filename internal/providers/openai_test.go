package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

func TestOpenAIConvertMessages(t *testing.T) {
	tr := NewOpenAITransport(OpenAIOptions{APIKey: "test"})

	t.Run("system injected first", func(t *testing.T) {
		out := tr.convertMessages([]models.Message{
			{Role: models.RoleUser, Content: "hi"},
		}, "be nice")
		if len(out) != 2 {
			t.Fatalf("got %d messages", len(out))
		}
		if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be nice" {
			t.Errorf("first message = %+v", out[0])
		}
	})

	t.Run("stored system messages folded into system text", func(t *testing.T) {
		out := tr.convertMessages([]models.Message{
			{Role: models.RoleSystem, Content: "imported instructions"},
			{Role: models.RoleUser, Content: "hi"},
		}, "fresh prompt")
		if len(out) != 2 {
			t.Fatalf("got %d messages, want one system plus one user", len(out))
		}
		if out[0].Content != "fresh prompt\n\nimported instructions" {
			t.Errorf("system = %q", out[0].Content)
		}
		if out[1].Role != openai.ChatMessageRoleUser {
			t.Errorf("second message = %+v", out[1])
		}
	})

	t.Run("assistant tool calls carried", func(t *testing.T) {
		out := tr.convertMessages([]models.Message{
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call_1", Name: "get_answer", Input: json.RawMessage(`{"q":"x"}`)},
				},
			},
		}, "")
		if len(out) != 1 || len(out[0].ToolCalls) != 1 {
			t.Fatalf("messages = %+v", out)
		}
		tc := out[0].ToolCalls[0]
		if tc.ID != "call_1" || tc.Function.Name != "get_answer" || tc.Function.Arguments != `{"q":"x"}` {
			t.Errorf("tool call = %+v", tc)
		}
	})

	t.Run("tool result becomes tool message", func(t *testing.T) {
		out := tr.convertMessages([]models.Message{
			{Role: models.RoleTool, Content: "114514", ToolCallID: "call_1"},
		}, "")
		if len(out) != 1 {
			t.Fatalf("got %d messages", len(out))
		}
		if out[0].Role != openai.ChatMessageRoleTool || out[0].ToolCallID != "call_1" {
			t.Errorf("tool message = %+v", out[0])
		}
	})
}

func TestOpenAIConvertTools(t *testing.T) {
	tr := NewOpenAITransport(OpenAIOptions{APIKey: "test"})

	t.Run("valid schema", func(t *testing.T) {
		out := tr.convertTools([]ToolSpec{{
			Name:        "get_weather",
			Description: "current weather",
			Schema:      json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}})
		if len(out) != 1 {
			t.Fatalf("got %d tools", len(out))
		}
		if out[0].Function.Name != "get_weather" {
			t.Errorf("name = %q", out[0].Function.Name)
		}
	})

	t.Run("bad schema degrades to empty object", func(t *testing.T) {
		out := tr.convertTools([]ToolSpec{{Name: "broken", Schema: json.RawMessage(`{`)}})
		params, ok := out[0].Function.Parameters.(map[string]any)
		if !ok || params["type"] != "object" {
			t.Errorf("parameters = %+v", out[0].Function.Parameters)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"rate limit exceeded", true},
		{"status code: 429", true},
		{"status code: 503", true},
		{"context deadline exceeded", true},
		{"invalid api key", false},
		{"model not found", false},
	}
	for _, tc := range cases {
		if got := isRetryable(errTest(tc.msg)); got != tc.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
