// Command phx is a command-line client for a Phoenix Channels endpoint: it
// can join a topic and print traffic, watch a directory and push changes to
// it, or run a small terminal chat/presence viewer.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	serverURL string
	nick      string

	// clientID is a fresh session id generated once per process invocation,
	// carried in every channel's join params so server-side logs can
	// distinguish two joins from the same nick.
	clientID = uuid.NewString()
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "phx",
		Short:   "phx — a Phoenix Channels client",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:4000/socket", "Phoenix endpoint URL")
	rootCmd.PersistentFlags().StringVar(&nick, "nick", envOr("USER", "anon"), "display name used for chat/presence")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(presenceCmd())
	rootCmd.AddCommand(tuiCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
