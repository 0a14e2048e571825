package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/observability"
	"github.com/jonathan/openorbit/internal/session"
)

var (
	sessionsServer string
	sessionsToken  string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [platform]",
	Short: "Show platform sessions of a running server",
	Long: `Reads session state and budget usage from a running "openorbit serve".
With a platform argument only that platform's session is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := sessionsServer
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Port)
		}

		list, err := fetchSessions(cmd.Context(), server, sessionsToken)
		if err != nil {
			return err
		}

		printer := observability.NewPrinter(cmd.OutOrStdout())
		shown := 0
		for _, s := range list.Sessions {
			if len(args) == 1 && s.Platform != args[0] {
				continue
			}
			printer.PrintSession(s, list.Limits)
			shown++
		}
		if shown == 0 {
			if len(args) == 1 {
				return fmt.Errorf("no session for platform %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsServer, "server", "", "Server base URL (default http://localhost:<port>)")
	sessionsCmd.Flags().StringVar(&sessionsToken, "token", "", "Operator API token")
	rootCmd.AddCommand(sessionsCmd)
}

type sessionList struct {
	Sessions []session.SessionState `json:"sessions"`
	Limits   session.Limits         `json:"limits"`
}

func fetchSessions(ctx context.Context, server, token string) (*sessionList, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("invalid --server: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}

	var list sessionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return &list, nil
}
