// Command nekobot runs the conversational tool-orchestration bot: a chat
// REPL for local use and a websocket terminal server for adapters.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "nekobot",
		Short:         "Conversational agent with tool orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "nekobot.yaml", "path to configuration file")

	root.AddCommand(newChatCmd(&configPath))
	root.AddCommand(newServeCmd(&configPath))
	return root
}
