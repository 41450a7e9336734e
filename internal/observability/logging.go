// Package observability provides structured logging and metrics for the bot
// runtime. Every subsystem receives an injected *slog.Logger tagged with a
// component attribute.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
	// RedactPatterns are regexes whose matches are masked in string attrs.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultLogConfig returns the config used when none is supplied.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
		RedactPatterns: []string{
			`sk-[a-zA-Z0-9]{20,}`,
			`Bearer\s+[a-zA-Z0-9._-]+`,
		},
	}
}

// NewLogger builds a slog.Logger writing to w according to cfg.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var patterns []*regexp.Regexp
	for _, p := range cfg.RedactPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}
	if len(patterns) > 0 {
		opts.ReplaceAttr = redactAttr(patterns)
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(patterns []*regexp.Regexp) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() != slog.KindString {
			return a
		}
		s := a.Value.String()
		for _, re := range patterns {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
		return slog.Attr{Key: a.Key, Value: slog.StringValue(s)}
	}
}
