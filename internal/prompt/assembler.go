// Package prompt assembles system prompts from configured templates, the
// live tool catalogue, and chat context. Assembly is deterministic: the same
// inputs always produce the same prompt.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// DefaultTemplateName is the fallback used when a requested template is
// missing.
const DefaultTemplateName = "default"

// toolCallingFormat is the fixed instruction block describing how the model
// should request a tool invocation.
const toolCallingFormat = `--- tool_call ---
<tool_name>工具名称</tool_name>
<parameters>{"参数名": "参数值"}</parameters>
<explanation>调用此工具的原因和说明</explanation>
--- end_tool_call ---`

// ToolInfo describes one registered tool for catalogue rendering.
type ToolInfo struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// BuildOptions selects what goes into an assembled prompt.
type BuildOptions struct {
	// BaseType selects the base template. Empty means default.
	BaseType string
	// Tools, when non-empty, appends the tool catalogue and the
	// invocation format block.
	Tools []ToolInfo
	// IsGroup appends the group-chat mention clause.
	IsGroup bool
}

// Assembler builds system prompts.
type Assembler struct {
	templates map[string]string
	botName   string
	aliases   []string
	logger    *slog.Logger
}

// DefaultTemplates returns the built-in template set. Configured templates
// are overlaid on top of these.
func DefaultTemplates() map[string]string {
	return map[string]string{
		"default": "你是{bot_name}，一个乐于助人的聊天助手。请用简洁友好的语气回答问题。",
		"group":   "你是{bot_name}，正在一个群聊中。请只回应与你相关的消息，用简洁友好的语气回答。",
		"tool_calling": "你可以使用以下工具来帮助回答问题：\n\n{available_tools_list}\n\n" +
			"当需要调用工具时，请严格使用如下格式：\n\n{tool_calling_format}",
	}
}

// NewAssembler creates an assembler. Entries in overrides replace the
// built-in templates of the same name.
func NewAssembler(overrides map[string]string, botName string, aliases []string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	templates := DefaultTemplates()
	for name, text := range overrides {
		templates[name] = text
	}
	return &Assembler{
		templates: templates,
		botName:   botName,
		aliases:   aliases,
		logger:    logger.With("component", "prompt"),
	}
}

// Template returns the template registered under name, falling back to the
// default template with a warning when name is unknown.
func (a *Assembler) Template(name string) string {
	if name == "" {
		name = DefaultTemplateName
	}
	text, ok := a.templates[name]
	if !ok {
		a.logger.Warn("unknown prompt template, using default", "template", name)
		text = a.templates[DefaultTemplateName]
	}
	return text
}

// BuildSystemPrompt assembles the full system prompt.
func (a *Assembler) BuildSystemPrompt(opts BuildOptions) string {
	baseType := opts.BaseType
	if baseType == "" {
		if opts.IsGroup {
			baseType = "group"
		} else {
			baseType = DefaultTemplateName
		}
	}

	var b strings.Builder
	b.WriteString(a.render(a.Template(baseType), nil))

	if len(opts.Tools) > 0 {
		b.WriteString("\n\n")
		b.WriteString(a.render(a.Template("tool_calling"), map[string]string{
			"available_tools_list": renderToolCatalogue(opts.Tools),
			"tool_calling_format":  toolCallingFormat,
		}))
	}

	if opts.IsGroup {
		b.WriteString("\n\n")
		b.WriteString(a.mentionClause())
	}

	return strings.TrimSpace(b.String())
}

// mentionClause tells the model when it is being addressed in a group.
func (a *Assembler) mentionClause() string {
	return fmt.Sprintf("当用户使用@%s或提到%s时，请回复。", a.botName, strings.Join(a.aliases, "、"))
}

// render substitutes {placeholder} occurrences. The bot name is always
// available; extra entries extend the set.
func (a *Assembler) render(template string, extra map[string]string) string {
	pairs := []string{"{bot_name}", a.botName}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", extra[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// renderToolCatalogue formats the tool list with parameter annotations.
// Parameters are sorted by name so output is stable.
func renderToolCatalogue(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "暂无可用工具"
	}

	entries := make([]string, 0, len(tools))
	for _, tool := range tools {
		desc := tool.Description
		if desc == "" {
			desc = "无描述"
		}
		entry := fmt.Sprintf("- **%s**: %s", tool.Name, desc)
		if params := renderParams(tool.Schema); params != "" {
			entry += "\n" + params
		}
		entries = append(entries, entry)
	}
	return strings.Join(entries, "\n\n")
}

func renderParams(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}

	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return ""
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}

	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("参数：")
	for _, name := range names {
		p := parsed.Properties[name]
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		mark := "（可选）"
		if required[name] {
			mark = "（必需）"
		}
		fmt.Fprintf(&b, "\n  - %s (%s)%s: %s", name, typ, mark, p.Description)
	}
	return b.String()
}
