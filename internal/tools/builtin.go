package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimeTool returns the descriptor for the built-in current-time tool.
func TimeTool() Descriptor {
	return Descriptor{
		Name:        "get_current_time",
		Description: "获取当前时间，可指定时区",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {
					"type": "string",
					"description": "IANA 时区名称，如 Asia/Shanghai，默认为本地时区"
				}
			}
		}`),
		Handler: handleCurrentTime,
	}
}

func handleCurrentTime(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}

	loc := time.Local
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", params.Timezone, err)
		}
	}

	return time.Now().In(loc).Format("2006-01-02 15:04:05 MST"), nil
}
