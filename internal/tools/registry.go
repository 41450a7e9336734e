// Package tools implements the tool registry: descriptor registration,
// structural argument validation, and quota-gated execution.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tomatos-dev/nekobot/internal/observability"
	"github.com/tomatos-dev/nekobot/internal/tools/quota"
	"github.com/tomatos-dev/nekobot/pkg/models"
)

// Handler executes a tool call. args is the validated JSON argument object.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// QuotaSpec ties a tool to a counter in the usage ledger.
type QuotaSpec struct {
	Provider string
	Counter  string
}

// Descriptor declares one callable tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON Schema object describing the arguments. Empty means
	// any object is accepted.
	Schema  json.RawMessage
	Quota   *QuotaSpec
	Handler Handler
}

type registeredTool struct {
	desc     Descriptor
	compiled *jsonschema.Schema
	// properties declared by the schema, for unknown-argument warnings.
	properties map[string]bool
}

// Registry holds registered tools. Registration happens at startup; Execute
// is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	ledger  *quota.Ledger
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry creates a registry. ledger may be nil when no tool uses
// quotas; metrics may be nil in tests.
func NewRegistry(ledger *quota.Ledger, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		ledger:  ledger,
		metrics: metrics,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. A name collision keeps the first registration and
// logs the rejected one.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return errors.New("tools: descriptor has empty name")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tools: %s: nil handler", desc.Name)
	}
	if desc.Quota != nil && r.ledger == nil {
		return fmt.Errorf("tools: %s: quota configured but no ledger", desc.Name)
	}

	rt := &registeredTool{desc: desc}
	if len(desc.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		resource := desc.Name + ".schema.json"
		if err := compiler.AddResource(resource, bytes.NewReader(desc.Schema)); err != nil {
			return fmt.Errorf("tools: %s: bad schema: %w", desc.Name, err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tools: %s: compile schema: %w", desc.Name, err)
		}
		rt.compiled = compiled
		rt.properties = schemaProperties(desc.Schema)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		r.logger.Warn("tool already registered, keeping first", "tool", desc.Name)
		return nil
	}
	r.tools[desc.Name] = rt
	r.order = append(r.order, desc.Name)
	r.logger.Info("registered tool", "tool", desc.Name)
	return nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Execute runs a tool call. Every failure mode is converted into a
// ToolResult with IsError set; Execute itself never returns an error so the
// loop always has something to hand back to the model.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return r.failure(call, fmt.Sprintf("未知工具: %s", call.Name))
	}

	desc := rt.desc
	if desc.Quota != nil {
		if err := r.ledger.Reserve(desc.Quota.Provider, desc.Quota.Counter); err != nil {
			if r.metrics != nil {
				r.metrics.QuotaRejections.WithLabelValues(call.Name).Inc()
			}
			return r.failure(call, fmt.Sprintf("工具 %s 配额已用尽: %v", call.Name, err))
		}
	}
	release := func() {
		if desc.Quota != nil {
			r.ledger.Release(desc.Quota.Provider, desc.Quota.Counter)
		}
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if err := r.validateArgs(rt, call.Name, args); err != nil {
		release()
		return r.failure(call, fmt.Sprintf("参数验证失败: %v", err))
	}

	content, err := desc.Handler(ctx, args)
	if err != nil {
		release()
		r.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		if r.metrics != nil {
			r.metrics.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("工具 %s 执行失败: %v", call.Name, err),
			IsError:    true,
		}
	}

	if desc.Quota != nil {
		if err := r.ledger.Commit(desc.Quota.Provider, desc.Quota.Counter); err != nil {
			r.logger.Warn("quota commit failed", "tool", call.Name, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(call.Name, "ok").Inc()
	}
	return models.ToolResult{ToolCallID: call.ID, Content: content}
}

// validateArgs checks structure against the compiled schema and warns on
// arguments the schema does not declare.
func (r *Registry) validateArgs(rt *registeredTool, name string, args json.RawMessage) error {
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if obj, ok := value.(map[string]any); ok && rt.properties != nil {
		for k := range obj {
			if !rt.properties[k] {
				r.logger.Warn("unknown tool argument ignored", "tool", name, "argument", k)
			}
		}
	}

	if rt.compiled != nil {
		if err := rt.compiled.Validate(value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) failure(call models.ToolCall, msg string) models.ToolResult {
	r.logger.Warn("tool call rejected", "tool", call.Name, "reason", msg)
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(call.Name, "rejected").Inc()
	}
	return models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
}

func schemaProperties(schema json.RawMessage) map[string]bool {
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	props := make(map[string]bool, len(parsed.Properties))
	for name := range parsed.Properties {
		props[name] = true
	}
	return props
}
