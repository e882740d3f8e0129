// Package cli is the placechat command line client. It drives the same
// client engine a UI would: local timeline, optimistic sends and
// optimistic read state.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"placechat-backend/internal/client"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "placechat",
	Short: "Command line client for placechat conversations",
	Long: `placechat talks to a placechat server as one user: list conversations,
read and send messages, and watch the realtime stream.

The server URL and bearer token come from --url/--token or the
PLACECHAT_URL and PLACECHAT_TOKEN environment variables.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("url", envOr("PLACECHAT_URL", "http://localhost:3000"), "server base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("PLACECHAT_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log engine activity to stderr")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// session is what every command needs: a transport and an engine on top.
type session struct {
	transport *client.HTTPTransport
	engine    *client.Engine
	logger    *slog.Logger
}

func newSession(cmd *cobra.Command) (*session, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	verbose, _ := cmd.Flags().GetBool("verbose")
	if token == "" {
		return nil, fmt.Errorf("no token: pass --token or set PLACECHAT_TOKEN")
	}

	var w io.Writer = io.Discard
	level := slog.LevelWarn
	if verbose {
		w, level = os.Stderr, slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

	tr := client.NewHTTPTransport(url, token)
	return &session{
		transport: tr,
		engine:    client.NewEngine(tr, tr, logger),
		logger:    logger,
	}, nil
}
