package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomatos-dev/nekobot/internal/tools/quota"
	"github.com/tomatos-dev/nekobot/pkg/models"
)

func echoDescriptor(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Description: "echoes the input",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "text to echo"}
			},
			"required": ["text"]
		}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			return p.Text, nil
		},
	}
}

func TestRegister(t *testing.T) {
	t.Run("duplicate keeps first", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		first := echoDescriptor("echo")
		if err := r.Register(first); err != nil {
			t.Fatalf("Register: %v", err)
		}

		second := echoDescriptor("echo")
		second.Handler = func(context.Context, json.RawMessage) (string, error) {
			return "replaced", nil
		}
		if err := r.Register(second); err != nil {
			t.Fatalf("second Register: %v", err)
		}

		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"original"}`),
		})
		if got.IsError || got.Content != "original" {
			t.Errorf("result = %+v, want first handler", got)
		}
		if len(r.List()) != 1 {
			t.Errorf("List has %d entries", len(r.List()))
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		d := echoDescriptor("")
		if err := r.Register(d); err == nil {
			t.Error("expected error for empty name")
		}
	})

	t.Run("bad schema rejected", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		d := echoDescriptor("broken")
		d.Schema = json.RawMessage(`{"type": 42}`)
		if err := r.Register(d); err == nil {
			t.Error("expected schema compile error")
		}
	})

	t.Run("registration order preserved", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		for _, name := range []string{"c", "a", "b"} {
			if err := r.Register(echoDescriptor(name)); err != nil {
				t.Fatalf("Register %s: %v", name, err)
			}
		}
		list := r.List()
		want := []string{"c", "a", "b"}
		for i, d := range list {
			if d.Name != want[i] {
				t.Errorf("List[%d] = %q, want %q", i, d.Name, want[i])
			}
		}
	})
}

func TestExecute(t *testing.T) {
	t.Run("unknown tool", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		got := r.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "ghost"})
		if !got.IsError {
			t.Error("expected error result for unknown tool")
		}
		if got.ToolCallID != "c1" {
			t.Errorf("ToolCallID = %q", got.ToolCallID)
		}
	})

	t.Run("missing required argument fails before handler", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		invoked := false
		d := echoDescriptor("echo")
		inner := d.Handler
		d.Handler = func(ctx context.Context, args json.RawMessage) (string, error) {
			invoked = true
			return inner(ctx, args)
		}
		if err := r.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}

		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c1", Name: "echo", Input: json.RawMessage(`{}`),
		})
		if !got.IsError {
			t.Error("expected validation failure")
		}
		if invoked {
			t.Error("handler must not run when validation fails")
		}
	})

	t.Run("unknown extra argument accepted", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		if err := r.Register(echoDescriptor("echo")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi","extra":1}`),
		})
		if got.IsError {
			t.Errorf("extra argument should only warn, got %+v", got)
		}
		if got.Content != "hi" {
			t.Errorf("Content = %q", got.Content)
		}
	})

	t.Run("invalid JSON input", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		if err := r.Register(echoDescriptor("echo")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c1", Name: "echo", Input: json.RawMessage(`{bad`),
		})
		if !got.IsError {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("handler error becomes error result", func(t *testing.T) {
		r := NewRegistry(nil, nil, nil)
		d := Descriptor{
			Name: "failing",
			Handler: func(context.Context, json.RawMessage) (string, error) {
				return "", errors.New("downstream unavailable")
			},
		}
		if err := r.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}
		got := r.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "failing"})
		if !got.IsError || !strings.Contains(got.Content, "downstream unavailable") {
			t.Errorf("result = %+v", got)
		}
	})
}

func TestExecuteQuota(t *testing.T) {
	newLedger := func(t *testing.T, max int64) *quota.Ledger {
		t.Helper()
		l, err := quota.NewLedger(filepath.Join(t.TempDir(), "usage.json"), []quota.Limit{
			{Provider: "testapi", Counter: "requests", Max: max},
		}, nil)
		if err != nil {
			t.Fatalf("NewLedger: %v", err)
		}
		return l
	}

	quotaTool := func(calls *int) Descriptor {
		return Descriptor{
			Name:  "limited",
			Quota: &QuotaSpec{Provider: "testapi", Counter: "requests"},
			Handler: func(context.Context, json.RawMessage) (string, error) {
				*calls++
				return "ok", nil
			},
		}
	}

	t.Run("exhaustion blocks before handler", func(t *testing.T) {
		ledger := newLedger(t, 2)
		r := NewRegistry(ledger, nil, nil)
		calls := 0
		if err := r.Register(quotaTool(&calls)); err != nil {
			t.Fatalf("Register: %v", err)
		}

		for i := 0; i < 2; i++ {
			if got := r.Execute(context.Background(), models.ToolCall{ID: "c", Name: "limited"}); got.IsError {
				t.Fatalf("call %d: %+v", i, got)
			}
		}
		got := r.Execute(context.Background(), models.ToolCall{ID: "c", Name: "limited"})
		if !got.IsError {
			t.Error("expected quota rejection")
		}
		if calls != 2 {
			t.Errorf("handler ran %d times, want 2", calls)
		}
		if used := ledger.Used("testapi", "requests"); used != 2 {
			t.Errorf("Used = %d", used)
		}
	})

	t.Run("failed execution does not consume quota", func(t *testing.T) {
		ledger := newLedger(t, 1)
		r := NewRegistry(ledger, nil, nil)
		d := Descriptor{
			Name:  "limited",
			Quota: &QuotaSpec{Provider: "testapi", Counter: "requests"},
			Handler: func(context.Context, json.RawMessage) (string, error) {
				return "", errors.New("boom")
			},
		}
		if err := r.Register(d); err != nil {
			t.Fatalf("Register: %v", err)
		}

		if got := r.Execute(context.Background(), models.ToolCall{ID: "c", Name: "limited"}); !got.IsError {
			t.Fatal("expected handler failure")
		}
		if used := ledger.Used("testapi", "requests"); used != 0 {
			t.Errorf("Used = %d after failure, want 0", used)
		}
	})
}

func TestTimeTool(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := r.Register(TimeTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("default timezone", func(t *testing.T) {
		got := r.Execute(context.Background(), models.ToolCall{ID: "c", Name: "get_current_time"})
		if got.IsError || got.Content == "" {
			t.Errorf("result = %+v", got)
		}
	})

	t.Run("explicit timezone", func(t *testing.T) {
		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c", Name: "get_current_time", Input: json.RawMessage(`{"timezone":"UTC"}`),
		})
		if got.IsError || !strings.Contains(got.Content, "UTC") {
			t.Errorf("result = %+v", got)
		}
	})

	t.Run("bad timezone", func(t *testing.T) {
		got := r.Execute(context.Background(), models.ToolCall{
			ID: "c", Name: "get_current_time", Input: json.RawMessage(`{"timezone":"Nowhere/Void"}`),
		})
		if !got.IsError {
			t.Error("expected error for unknown timezone")
		}
	})
}
