package router

import (
	"context"
	"testing"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

func msgEvent(text string) *models.Event {
	return &models.Event{
		Adapter: "qq",
		Type:    models.EventMessage,
		Text:    text,
		UserID:  "10001",
	}
}

func replyCommand(name string, aliases ...string) (Command, *string) {
	var gotArgs string
	cmd := Command{
		Name:    name,
		Aliases: aliases,
		Handler: func(_ context.Context, _ *models.Event, args string) (string, error) {
			gotArgs = args
			return "ran " + name, nil
		},
	}
	return cmd, &gotArgs
}

func TestRegister(t *testing.T) {
	t.Run("duplicate name rejected", func(t *testing.T) {
		r := New(nil, nil)
		cmd, _ := replyCommand("help")
		if err := r.Register(cmd); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := r.Register(cmd); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("invalid alias regex rejected", func(t *testing.T) {
		r := New(nil, nil)
		cmd, _ := replyCommand("broken", "(")
		if err := r.Register(cmd); err == nil {
			t.Error("expected regex compile error")
		}
	})
}

func TestDispatchCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("all prefixes", func(t *testing.T) {
		r := New(nil, nil)
		cmd, _ := replyCommand("ping")
		if err := r.Register(cmd); err != nil {
			t.Fatalf("Register: %v", err)
		}

		for _, text := range []string{"/ping", "!ping", "！ping", "yping"} {
			got, err := r.Dispatch(ctx, msgEvent(text))
			if err != nil {
				t.Fatalf("Dispatch(%q): %v", text, err)
			}
			if got != "ran ping" {
				t.Errorf("Dispatch(%q) = %q", text, got)
			}
		}
	})

	t.Run("help does not match helper", func(t *testing.T) {
		r := New(nil, nil)
		helpCmd, _ := replyCommand("help")
		helperCmd, _ := replyCommand("helper")
		if err := r.Register(helpCmd); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := r.Register(helperCmd); err != nil {
			t.Fatalf("Register: %v", err)
		}

		got, err := r.Dispatch(ctx, msgEvent("/helper"))
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if got != "ran helper" {
			t.Errorf("Dispatch(/helper) = %q, want helper to win", got)
		}
	})

	t.Run("arguments passed", func(t *testing.T) {
		r := New(nil, nil)
		cmd, args := replyCommand("model")
		if err := r.Register(cmd); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := r.Dispatch(ctx, msgEvent("/model deepseek-chat")); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if *args != "deepseek-chat" {
			t.Errorf("args = %q", *args)
		}
	})

	t.Run("alias regex", func(t *testing.T) {
		r := New(nil, nil)
		cmd, _ := replyCommand("clear", "清空|reset")
		if err := r.Register(cmd); err != nil {
			t.Fatalf("Register: %v", err)
		}
		for _, text := range []string{"/clear", "/清空", "/reset"} {
			got, _ := r.Dispatch(ctx, msgEvent(text))
			if got != "ran clear" {
				t.Errorf("Dispatch(%q) = %q", text, got)
			}
		}
	})

	t.Run("first registered wins", func(t *testing.T) {
		r := New(nil, nil)
		first, _ := replyCommand("status", "st.*")
		second, _ := replyCommand("stats")
		if err := r.Register(first); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := r.Register(second); err != nil {
			t.Fatalf("Register: %v", err)
		}

		got, _ := r.Dispatch(ctx, msgEvent("/stats"))
		if got != "ran status" {
			t.Errorf("Dispatch = %q, want first registration to win", got)
		}
	})
}

func TestDispatchWildcards(t *testing.T) {
	ctx := context.Background()

	t.Run("plain message hits wildcard", func(t *testing.T) {
		r := New(nil, nil)
		if err := r.RegisterWildcard(Wildcard{
			Handler: func(_ context.Context, e *models.Event) (string, error) {
				return "chat: " + e.Text, nil
			},
		}); err != nil {
			t.Fatalf("RegisterWildcard: %v", err)
		}

		got, err := r.Dispatch(ctx, msgEvent("hello there"))
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if got != "chat: hello there" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("filters on adapter and event type", func(t *testing.T) {
		r := New(nil, nil)
		if err := r.RegisterWildcard(Wildcard{
			Adapter:   "discord",
			EventType: string(models.EventMessage),
			Handler: func(context.Context, *models.Event) (string, error) {
				return "discord only", nil
			},
		}); err != nil {
			t.Fatalf("RegisterWildcard: %v", err)
		}

		got, _ := r.Dispatch(ctx, msgEvent("hi")) // adapter qq
		if got != "" {
			t.Errorf("qq event matched discord handler: %q", got)
		}

		e := msgEvent("hi")
		e.Adapter = "discord"
		got, _ = r.Dispatch(ctx, e)
		if got != "discord only" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("first matching wildcard wins", func(t *testing.T) {
		r := New(nil, nil)
		for _, reply := range []string{"first", "second"} {
			reply := reply
			if err := r.RegisterWildcard(Wildcard{
				Handler: func(context.Context, *models.Event) (string, error) {
					return reply, nil
				},
			}); err != nil {
				t.Fatalf("RegisterWildcard: %v", err)
			}
		}
		got, _ := r.Dispatch(ctx, msgEvent("hello"))
		if got != "first" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("unmatched prefixed text falls through", func(t *testing.T) {
		r := New(nil, nil)
		if err := r.RegisterWildcard(Wildcard{
			Handler: func(_ context.Context, e *models.Event) (string, error) {
				return "fallback", nil
			},
		}); err != nil {
			t.Fatalf("RegisterWildcard: %v", err)
		}
		got, _ := r.Dispatch(ctx, msgEvent("/unknowncmd"))
		if got != "fallback" {
			t.Errorf("got %q", got)
		}
	})
}

func TestSessionID(t *testing.T) {
	t.Run("group", func(t *testing.T) {
		e := &models.Event{Adapter: "qq", IsGroup: true, GroupID: "777", UserID: "10001"}
		if got := SessionID(e); got != "qq/group/777/10001" {
			t.Errorf("SessionID = %q", got)
		}
	})

	t.Run("private", func(t *testing.T) {
		e := &models.Event{Adapter: "qq", UserID: "10001", ConversationID: "c42"}
		if got := SessionID(e); got != "qq/private/10001/c42" {
			t.Errorf("SessionID = %q", got)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		e := &models.Event{Adapter: "tg", IsGroup: true, GroupID: "g", UserID: "u"}
		first := SessionID(e)
		for i := 0; i < 5; i++ {
			if SessionID(e) != first {
				t.Fatal("SessionID not deterministic")
			}
		}
	})
}

func TestCommandGatesOnUserRole(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)

	err := r.Register(Command{
		Name: "ban",
		Handler: func(_ context.Context, e *models.Event, args string) (string, error) {
			if e.UserRole != "admin" && e.UserRole != "owner" {
				return "权限不足", nil
			}
			return "banned " + args, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	member := msgEvent("/ban troll")
	member.UserRole = "member"
	got, _ := r.Dispatch(ctx, member)
	if got != "权限不足" {
		t.Errorf("member dispatch = %q", got)
	}

	admin := msgEvent("/ban troll")
	admin.UserRole = "admin"
	got, _ = r.Dispatch(ctx, admin)
	if got != "banned troll" {
		t.Errorf("admin dispatch = %q", got)
	}
}
