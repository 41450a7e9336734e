package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomatos-dev/nekobot/internal/engine"
	"github.com/tomatos-dev/nekobot/internal/providers"
	"github.com/tomatos-dev/nekobot/internal/sessions"
	"github.com/tomatos-dev/nekobot/pkg/models"
)

// RegisterBuiltins installs the standard command set and the chat fallback
// wildcard. Call once during startup wiring.
func RegisterBuiltins(r *Router, eng *engine.Engine, catalog *providers.Catalog, store *sessions.Store) error {
	commands := []Command{
		helpCommand(r),
		modelCommand(eng, catalog, store),
		clearCommand(eng),
		exportCommand(store),
	}
	for _, cmd := range commands {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return r.RegisterWildcard(ChatWildcard(eng))
}

// ChatWildcard routes plain messages into the engine.
func ChatWildcard(eng *engine.Engine) Wildcard {
	return Wildcard{
		EventType: string(models.EventMessage),
		Handler: func(ctx context.Context, event *models.Event) (string, error) {
			// Group messages only get a reply when the bot is addressed.
			if event.IsGroup && !event.Mentioned {
				return "", nil
			}
			return eng.Chat(ctx, SessionID(event), event.Text, engine.ChatOptions{
				IsGroup: event.IsGroup,
			})
		},
	}
}

func helpCommand(r *Router) Command {
	return Command{
		Name:        "help",
		Description: "显示可用命令",
		Aliases:     []string{"帮助"},
		Handler: func(ctx context.Context, event *models.Event, args string) (string, error) {
			var b strings.Builder
			b.WriteString("可用命令：\n")
			for _, cmd := range r.Commands() {
				fmt.Fprintf(&b, "/%s - %s\n", cmd.Name, cmd.Description)
			}
			return strings.TrimSpace(b.String()), nil
		},
	}
}

func modelCommand(eng *engine.Engine, catalog *providers.Catalog, store *sessions.Store) Command {
	return Command{
		Name:        "model",
		Description: "查看或切换当前会话的模型",
		Aliases:     []string{"模型"},
		Handler: func(ctx context.Context, event *models.Event, args string) (string, error) {
			sessionID := SessionID(event)

			if args == "" {
				var b strings.Builder
				b.WriteString("可用模型：\n")
				for _, p := range catalog.List(providers.CapabilityChat) {
					fmt.Fprintf(&b, "- %s (%s)\n", p.Name, p.Model)
				}
				if session, err := store.Get(ctx, sessionID); err == nil && session.Model != "" {
					fmt.Fprintf(&b, "当前模型：%s", session.Model)
				}
				return strings.TrimSpace(b.String()), nil
			}

			if err := eng.SwitchModel(ctx, sessionID, args); err != nil {
				return fmt.Sprintf("切换失败：未知模型 %q", args), nil
			}
			return fmt.Sprintf("已切换到模型 %s", args), nil
		},
	}
}

func clearCommand(eng *engine.Engine) Command {
	return Command{
		Name:        "clear",
		Description: "清空当前会话的对话历史",
		Aliases:     []string{"清空", "reset"},
		Handler: func(ctx context.Context, event *models.Event, args string) (string, error) {
			if err := eng.ClearHistory(ctx, SessionID(event)); err != nil {
				return "当前没有会话历史。", nil
			}
			return "对话历史已清空。", nil
		},
	}
}

func exportCommand(store *sessions.Store) Command {
	return Command{
		Name:        "export",
		Description: "导出当前会话为 JSON",
		Handler: func(ctx context.Context, event *models.Event, args string) (string, error) {
			snap, err := store.Export(ctx, SessionID(event))
			if err != nil {
				return "当前没有可导出的会话。", nil
			}
			data, err := sessions.MarshalSnapshot(snap)
			if err != nil {
				return "", fmt.Errorf("serialize session: %w", err)
			}
			return string(data), nil
		},
	}
}
