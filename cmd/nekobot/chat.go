package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

func newChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat REPL on the local console",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()
			return runREPL(cmd, rt)
		},
	}
}

func runREPL(cmd *cobra.Command, rt *runtime) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("nekobot chat (/help for commands, ctrl-d to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		event := &models.Event{
			Adapter:        "console",
			Type:           models.EventMessage,
			Text:           text,
			UserID:         "local",
			ConversationID: "repl",
			Timestamp:      time.Now(),
		}

		reply, err := rt.router.Dispatch(ctx, event)
		if err != nil {
			rt.logger.Error("dispatch failed", "error", err)
			continue
		}
		if reply != "" {
			fmt.Println(reply)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
