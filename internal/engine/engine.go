// Package engine runs the conversational tool-orchestration loop: it turns
// one inbound user message into a final reply, executing any tool calls the
// model requests along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomatos-dev/nekobot/internal/observability"
	"github.com/tomatos-dev/nekobot/internal/prompt"
	"github.com/tomatos-dev/nekobot/internal/providers"
	"github.com/tomatos-dev/nekobot/internal/ratelimit"
	"github.com/tomatos-dev/nekobot/internal/sessions"
	"github.com/tomatos-dev/nekobot/internal/tools"
	"github.com/tomatos-dev/nekobot/pkg/models"
)

var (
	// ErrMaxIterations reports that a turn hit the tool-call bound.
	ErrMaxIterations = errors.New("maximum tool iterations reached")
	// ErrNoTransport reports a profile whose provider has no transport.
	ErrNoTransport = errors.New("no transport for provider")
)

const (
	// DefaultMaxIterations bounds provider calls per turn.
	DefaultMaxIterations = 50
	// DefaultWindowTurns is the sliding context window, in turns.
	DefaultWindowTurns = 10
	// DefaultCallTimeout bounds one provider call or tool execution. A
	// stalled upstream must never hold the session lock indefinitely.
	DefaultCallTimeout = 2 * time.Minute

	// limitReply is returned verbatim when a turn exhausts the iteration
	// bound.
	limitReply = "已达到最大工具调用次数，请简化您的问题。"
	// failureReply is returned when the provider transport fails.
	failureReply = "抱歉，聊天过程中出现了错误。"
)

// Options wires an Engine.
type Options struct {
	Store      *sessions.Store
	Locker     *sessions.Locker
	Catalog    *providers.Catalog
	Registry   *tools.Registry
	Assembler  *prompt.Assembler
	Limiter    *ratelimit.Limiter
	Transports []providers.Transport
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	MaxIterations int
	WindowTurns   int
	// CallTimeout bounds each provider call and each tool execution. Zero
	// means DefaultCallTimeout.
	CallTimeout time.Duration
}

// Engine orchestrates chat turns.
type Engine struct {
	store         *sessions.Store
	locker        *sessions.Locker
	catalog       *providers.Catalog
	registry      *tools.Registry
	assembler     *prompt.Assembler
	limiter       *ratelimit.Limiter
	transports    map[string]providers.Transport
	metrics       *observability.Metrics
	logger        *slog.Logger
	maxIterations int
	windowTurns   int
	callTimeout   time.Duration
}

// New validates options and builds an engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("engine: store is required")
	case opts.Catalog == nil:
		return nil, errors.New("engine: catalog is required")
	case opts.Registry == nil:
		return nil, errors.New("engine: tool registry is required")
	case opts.Assembler == nil:
		return nil, errors.New("engine: prompt assembler is required")
	case len(opts.Transports) == 0:
		return nil, errors.New("engine: at least one transport is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := opts.Locker
	if locker == nil {
		locker = sessions.NewLocker()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter()
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	windowTurns := opts.WindowTurns
	if windowTurns <= 0 {
		windowTurns = DefaultWindowTurns
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	transports := make(map[string]providers.Transport, len(opts.Transports))
	for _, t := range opts.Transports {
		transports[t.Name()] = t
	}

	return &Engine{
		store:         opts.Store,
		locker:        locker,
		catalog:       opts.Catalog,
		registry:      opts.Registry,
		assembler:     opts.Assembler,
		limiter:       limiter,
		transports:    transports,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "engine"),
		maxIterations: maxIterations,
		windowTurns:   windowTurns,
		callTimeout:   callTimeout,
	}, nil
}

// ChatOptions carries per-turn context.
type ChatOptions struct {
	// IsGroup selects the group prompt variant with the mention clause.
	IsGroup bool
	// Model overrides the session's bound profile for new sessions.
	Model string
}

// Chat processes one user message and returns the reply. The session lock
// is held for the whole turn; concurrent turns on one session serialize.
//
// Transport failures degrade to a fixed apology reply: the user message
// stays in history, no partial assistant or tool messages are appended.
func (e *Engine) Chat(ctx context.Context, sessionID, text string, opts ChatOptions) (string, error) {
	unlock := e.locker.Lock(sessionID)
	defer unlock()

	start := time.Now()
	profile, err := e.resolveProfile(ctx, sessionID, opts.Model)
	if err != nil {
		return "", err
	}
	// Per-profile transports (own endpoint and key) take precedence over
	// a shared per-provider transport.
	transport, ok := e.transports[profile.Name]
	if !ok {
		transport, ok = e.transports[profile.Provider]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTransport, profile.Provider)
	}

	if err := e.store.Append(ctx, sessionID, &models.Message{
		Role:    models.RoleUser,
		Content: text,
	}); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}

	var toolSpecs []providers.ToolSpec
	var toolInfos []prompt.ToolInfo
	if profile.SupportsTools {
		for _, d := range e.registry.List() {
			toolSpecs = append(toolSpecs, providers.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema})
			toolInfos = append(toolInfos, prompt.ToolInfo{Name: d.Name, Description: d.Description, Schema: d.Schema})
		}
	}

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		// The system prompt is rebuilt each iteration so the tool
		// catalogue reflects the live registry.
		systemPrompt := e.assembler.BuildSystemPrompt(prompt.BuildOptions{
			Tools:   toolInfos,
			IsGroup: opts.IsGroup,
		})

		window, err := e.window(ctx, sessionID)
		if err != nil {
			return "", err
		}

		if err := e.limiter.Wait(ctx, profile.Name); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		// Bound the call so a stalled upstream releases the session lock.
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		completion, err := e.complete(callCtx, transport, &providers.CompletionRequest{
			Model:       profile.Model,
			System:      systemPrompt,
			Messages:    window,
			Tools:       toolSpecs,
			MaxTokens:   profile.MaxTokens,
			Temperature: profile.Temperature,
		})
		cancel()
		if err != nil {
			e.logger.Error("provider call failed", "session", sessionID, "provider", profile.Provider, "error", err)
			if e.metrics != nil {
				e.metrics.ProviderFailures.WithLabelValues(profile.Provider).Inc()
				e.metrics.TurnsTotal.WithLabelValues("provider_error").Inc()
			}
			return failureReply, nil
		}

		// Reasoning arrives either as native thinking chunks or inline in
		// the text per the profile's pattern.
		visible, thinking := profile.ExtractThinking(completion.Text)
		if completion.Thinking != "" {
			thinking = completion.Thinking + thinking
		}

		if len(completion.ToolCalls) == 0 {
			if err := e.store.Append(ctx, sessionID, &models.Message{
				Role:     models.RoleAssistant,
				Content:  visible,
				Thinking: thinking,
			}); err != nil {
				return "", fmt.Errorf("append assistant message: %w", err)
			}
			e.observeTurn(start, iteration+1, "ok")
			return visible, nil
		}

		if err := e.store.Append(ctx, sessionID, &models.Message{
			Role:      models.RoleAssistant,
			Content:   visible,
			Thinking:  thinking,
			ToolCalls: completion.ToolCalls,
		}); err != nil {
			return "", fmt.Errorf("append assistant message: %w", err)
		}

		// Execute sequentially in response order so result ordering is
		// deterministic.
		for _, call := range completion.ToolCalls {
			toolCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			result := e.registry.Execute(toolCtx, call)
			cancel()
			if err := e.store.Append(ctx, sessionID, &models.Message{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
			}); err != nil {
				return "", fmt.Errorf("append tool result: %w", err)
			}
		}
	}

	e.logger.Warn("turn hit tool iteration bound", "session", sessionID, "bound", e.maxIterations)
	if err := e.store.Append(ctx, sessionID, &models.Message{
		Role:    models.RoleAssistant,
		Content: limitReply,
	}); err != nil {
		return "", fmt.Errorf("append limit message: %w", err)
	}
	e.observeTurn(start, e.maxIterations, "iteration_limit")
	return limitReply, nil
}

// SwitchModel rebinds a session to another profile by name.
func (e *Engine) SwitchModel(ctx context.Context, sessionID, profileName string) error {
	if _, err := e.catalog.Resolve(profileName); err != nil {
		return err
	}
	unlock := e.locker.Lock(sessionID)
	defer unlock()

	if _, err := e.store.GetOrCreate(ctx, sessionID, profileName); err != nil {
		return err
	}
	return e.store.SetModel(ctx, sessionID, profileName)
}

// ClearHistory drops the session's non-system messages.
func (e *Engine) ClearHistory(ctx context.Context, sessionID string) error {
	unlock := e.locker.Lock(sessionID)
	defer unlock()
	return e.store.Clear(ctx, sessionID)
}

// resolveProfile finds the profile for this turn: the session binding if
// present, otherwise the override, otherwise the chat default.
func (e *Engine) resolveProfile(ctx context.Context, sessionID, override string) (*providers.Profile, error) {
	fallback := override
	if fallback == "" {
		def, err := e.catalog.DefaultFor(providers.CapabilityChat)
		if err != nil {
			return nil, err
		}
		fallback = def.Name
	}

	session, err := e.store.GetOrCreate(ctx, sessionID, fallback)
	if err != nil {
		return nil, err
	}

	name := session.Model
	if name == "" {
		name = fallback
	}
	profile, err := e.catalog.Resolve(name)
	if err != nil {
		// The bound profile vanished from config; fall back to the
		// chat default.
		e.logger.Warn("session bound to unknown profile", "session", sessionID, "profile", name)
		return e.catalog.DefaultFor(providers.CapabilityChat)
	}
	return profile, nil
}

// complete runs the transport call and accumulates the stream.
func (e *Engine) complete(ctx context.Context, transport providers.Transport, req *providers.CompletionRequest) (*providers.Completion, error) {
	chunks, err := transport.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return providers.Collect(ctx, chunks)
}

// window builds the sliding context: every system message plus the most
// recent windowTurns*2 non-system messages. The window is independent of
// the store cap.
func (e *Engine) window(ctx context.Context, sessionID string) ([]models.Message, error) {
	stored, err := e.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	budget := e.windowTurns * 2
	nonSystem := 0
	for _, m := range stored {
		if m.Role != models.RoleSystem {
			nonSystem++
		}
	}
	drop := nonSystem - budget
	if drop < 0 {
		drop = 0
	}

	// A cut can orphan tool results whose originating assistant message
	// fell outside the window; those are dropped too, since providers
	// reject results without a matching call.
	known := make(map[string]bool)
	out := make([]models.Message, 0, len(stored))
	for _, m := range stored {
		if m.Role != models.RoleSystem && drop > 0 {
			drop--
			continue
		}
		if m.Role == models.RoleTool && !known[m.ToolCallID] {
			continue
		}
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		out = append(out, *m)
	}
	return out, nil
}

func (e *Engine) observeTurn(start time.Time, iterations int, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	e.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	e.metrics.LoopIterations.Observe(float64(iterations))
}
