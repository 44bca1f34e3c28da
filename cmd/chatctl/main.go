package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Control a chatd session",
	Long: "chatctl talks to the chatd daemon of a session over its Unix socket.\n" +
		"Start the daemon with chatd, then open a chat with a contact.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withClient connects to the session's daemon and runs fn with a request
// context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	sessionName := session.Resolve(sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
