package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tomatos-dev/nekobot/internal/tools"
)

// RegisterTools registers the diary tools with the registry. Call this at
// startup when the diary collaborator is configured.
func RegisterTools(reg *tools.Registry, diary *Diary) error {
	if err := reg.Register(searchTool(diary)); err != nil {
		return err
	}
	return reg.Register(recordTool(diary))
}

func searchTool(diary *Diary) tools.Descriptor {
	return tools.Descriptor{
		Name:        "remind_research",
		Description: "按关键词搜索记忆日记，返回相关的历史记录",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"keyword": {"type": "string", "description": "搜索关键词"},
				"limit": {"type": "integer", "description": "最多返回条数，默认 10"}
			},
			"required": ["keyword"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Keyword string `json:"keyword"`
				Limit   int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}

			entries, err := diary.Search(ctx, p.Keyword, p.Limit)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "没有找到相关记忆", nil
			}

			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "[%s] %s\n", e.CreatedAt.Format("2006-01-02"), e.Content)
			}
			return strings.TrimSpace(b.String()), nil
		},
	}
}

func recordTool(diary *Diary) tools.Descriptor {
	return tools.Descriptor{
		Name:        "record_memory",
		Description: "把一条重要信息写入记忆日记",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "要记住的内容"},
				"tags": {
					"type": "array",
					"items": {"type": "string"},
					"description": "可选的标签列表"
				}
			},
			"required": ["content"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Content string   `json:"content"`
				Tags    []string `json:"tags"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("parse arguments: %w", err)
			}

			id, err := diary.Add(ctx, p.Content, p.Tags)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("已记录（编号 %d）", id), nil
		},
	}
}
