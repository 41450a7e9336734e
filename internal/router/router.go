// Package router dispatches normalized inbound events: prefixed command
// matching first, then wildcard handlers for everything else.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

// DefaultPrefixes is the command prefix set. The full-width ！ and the bare
// y prefix match the chat platforms this bot grew up on.
var DefaultPrefixes = []string{"/", "!", "！", "y"}

// HandlerFunc handles a matched command. args is the text after the command
// word, trimmed.
type HandlerFunc func(ctx context.Context, event *models.Event, args string) (string, error)

// Command is a registered command.
type Command struct {
	Name        string
	Description string
	// Aliases are regex patterns matched against the start of the
	// prefixed text. Invalid patterns fail registration.
	Aliases []string
	Handler HandlerFunc
}

// WildcardFunc handles a non-command event.
type WildcardFunc func(ctx context.Context, event *models.Event) (string, error)

// Wildcard matches events by (adapter, user, event type), where "*" matches
// anything. The first registered match is dispatched.
type Wildcard struct {
	Adapter   string
	UserID    string
	EventType string
	Handler   WildcardFunc
}

type compiledCommand struct {
	cmd Command
	// patterns covers the name and every alias, each anchored and
	// requiring whitespace or end-of-string after the match so that
	// "/help" never fires for "/helper".
	patterns []*regexp.Regexp
}

// Router matches inbound events to commands and wildcard handlers.
type Router struct {
	mu        sync.RWMutex
	prefixes  []string
	commands  []*compiledCommand
	byName    map[string]*compiledCommand
	wildcards []Wildcard
	logger    *slog.Logger
}

// New creates a router. Empty prefixes falls back to DefaultPrefixes.
func New(prefixes []string, logger *slog.Logger) *Router {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		prefixes: prefixes,
		byName:   make(map[string]*compiledCommand),
		logger:   logger.With("component", "router"),
	}
}

// Register adds a command. Aliases are validated as regexes; a duplicate
// command name is an error.
func (r *Router) Register(cmd Command) error {
	if cmd.Name == "" {
		return errors.New("router: command has empty name")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("router: command %s: nil handler", cmd.Name)
	}

	patterns := make([]*regexp.Regexp, 0, len(cmd.Aliases)+1)
	for _, pattern := range append([]string{regexp.QuoteMeta(cmd.Name)}, cmd.Aliases...) {
		re, err := regexp.Compile(`^(?:` + pattern + `)(?:\s+|$)`)
		if err != nil {
			return fmt.Errorf("router: command %s: bad alias %q: %w", cmd.Name, pattern, err)
		}
		patterns = append(patterns, re)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[cmd.Name]; exists {
		return fmt.Errorf("router: command %s already registered", cmd.Name)
	}
	compiled := &compiledCommand{cmd: cmd, patterns: patterns}
	r.commands = append(r.commands, compiled)
	r.byName[cmd.Name] = compiled
	return nil
}

// RegisterWildcard adds a wildcard handler. Order of registration is the
// dispatch priority.
func (r *Router) RegisterWildcard(w Wildcard) error {
	if w.Handler == nil {
		return errors.New("router: wildcard with nil handler")
	}
	if w.Adapter == "" {
		w.Adapter = "*"
	}
	if w.UserID == "" {
		w.UserID = "*"
	}
	if w.EventType == "" {
		w.EventType = "*"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcards = append(r.wildcards, w)
	return nil
}

// Commands returns registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c.cmd)
	}
	return out
}

// Dispatch routes one event. The reply may be empty when no handler
// matched or the handler chose not to answer.
func (r *Router) Dispatch(ctx context.Context, event *models.Event) (string, error) {
	if event == nil {
		return "", errors.New("router: nil event")
	}

	if body, ok := r.stripPrefix(event.Text); ok {
		if cmd, args, ok := r.matchCommand(body); ok {
			r.logger.Debug("dispatching command", "command", cmd.Name, "user", event.UserID)
			return cmd.Handler(ctx, event, args)
		}
		// A prefixed message with no matching command falls through to
		// the wildcard handlers like any other text.
	}

	r.mu.RLock()
	wildcards := r.wildcards
	r.mu.RUnlock()

	for _, w := range wildcards {
		if matchField(w.Adapter, event.Adapter) &&
			matchField(w.UserID, event.UserID) &&
			matchField(w.EventType, string(event.Type)) {
			return w.Handler(ctx, event)
		}
	}
	return "", nil
}

// stripPrefix returns the text after the first matching prefix.
func (r *Router) stripPrefix(text string) (string, bool) {
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(text, prefix) {
			return text[len(prefix):], true
		}
	}
	return "", false
}

// matchCommand finds the first registered command whose name or alias
// matches the start of body.
func (r *Router) matchCommand(body string) (Command, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.commands {
		for _, re := range c.patterns {
			if loc := re.FindStringIndex(body); loc != nil {
				args := strings.TrimSpace(body[loc[1]:])
				return c.cmd, args, true
			}
		}
	}
	return Command{}, "", false
}

func matchField(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// SessionID derives the canonical session id for an event:
// group chats use adapter/group/{group_id}/{user_id}, private chats use
// adapter/private/{user_id}/{conversation_id}.
func SessionID(event *models.Event) string {
	if event.IsGroup {
		return fmt.Sprintf("%s/group/%s/%s", event.Adapter, event.GroupID, event.UserID)
	}
	return fmt.Sprintf("%s/private/%s/%s", event.Adapter, event.UserID, event.ConversationID)
}
