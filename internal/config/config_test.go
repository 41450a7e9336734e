package config

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		cfg, err := Parse([]byte("bot:\n  name: testbot\n"))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.History.MaxMessages != 100 {
			t.Errorf("MaxMessages = %d, want 100", cfg.History.MaxMessages)
		}
		if cfg.Engine.MaxToolIterations != 50 {
			t.Errorf("MaxToolIterations = %d, want 50", cfg.Engine.MaxToolIterations)
		}
		if cfg.Engine.WindowTurns != 10 {
			t.Errorf("WindowTurns = %d, want 10", cfg.Engine.WindowTurns)
		}
		if cfg.Engine.CallTimeoutSeconds != 120 {
			t.Errorf("CallTimeoutSeconds = %d, want 120", cfg.Engine.CallTimeoutSeconds)
		}
		want := []string{"/", "!", "！", "y"}
		if len(cfg.Router.Prefixes) != len(want) {
			t.Fatalf("Prefixes = %v, want %v", cfg.Router.Prefixes, want)
		}
		for i, p := range want {
			if cfg.Router.Prefixes[i] != p {
				t.Errorf("Prefixes[%d] = %q, want %q", i, cfg.Router.Prefixes[i], p)
			}
		}
	})

	t.Run("full document", func(t *testing.T) {
		doc := `
bot:
  name: neko
  aliases: [kitty]
models:
  - name: deepseek-chat
    provider: openai
    model: deepseek-chat
    base_url: https://api.deepseek.com/v1
    capabilities: [chat]
    rpm: 60
  - name: claude
    provider: anthropic
    model: claude-sonnet-4-20250514
    capabilities: [chat, vision]
defaults:
  chat: deepseek-chat
  vision: claude
quota:
  limits:
    - provider: deepseek
      counter: requests
      limit: 1000
`
		cfg, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(cfg.Models) != 2 {
			t.Fatalf("got %d models", len(cfg.Models))
		}
		if cfg.Defaults["chat"] != "deepseek-chat" {
			t.Errorf("chat default = %q", cfg.Defaults["chat"])
		}
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		doc := "models:\n  - name: x\n    provider: cohere\n    model: m\n"
		_, err := Parse([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), "unknown provider") {
			t.Errorf("expected unknown provider error, got %v", err)
		}
	})

	t.Run("dangling default rejected", func(t *testing.T) {
		doc := "defaults:\n  chat: nonexistent\n"
		_, err := Parse([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), "unknown model") {
			t.Errorf("expected dangling default error, got %v", err)
		}
	})

	t.Run("duplicate model rejected", func(t *testing.T) {
		doc := `
models:
  - name: a
    provider: openai
    model: m
  - name: a
    provider: openai
    model: m2
`
		_, err := Parse([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("expected duplicate model error, got %v", err)
		}
	})
}

func TestResolveAPIKey(t *testing.T) {
	t.Run("env wins when set", func(t *testing.T) {
		t.Setenv("NEKOBOT_TEST_KEY", "from-env")
		p := ModelProfile{APIKey: "literal", APIKeyEnv: "NEKOBOT_TEST_KEY"}
		if got := p.ResolveAPIKey(); got != "from-env" {
			t.Errorf("ResolveAPIKey = %q", got)
		}
	})

	t.Run("falls back to literal", func(t *testing.T) {
		p := ModelProfile{APIKey: "literal", APIKeyEnv: "NEKOBOT_UNSET_KEY"}
		if got := p.ResolveAPIKey(); got != "literal" {
			t.Errorf("ResolveAPIKey = %q", got)
		}
	})
}
