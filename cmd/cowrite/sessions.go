package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/config"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			list, err := fetchSessions(ctx, sessionsURL(endpoint(cfg.Peer.Directory)))
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), list, time.Now())
			return nil
		},
	}
}

// sessionsURL maps the signal endpoint to the listing next to it.
func sessionsURL(signalURL string) string {
	u := signalURL
	switch {
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/ws/signal")
	u = strings.TrimSuffix(u, "/signal")
	return u + "/sessions"
}

func fetchSessions(ctx context.Context, url string) ([]app.SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions: %s", resp.Status)
	}
	var body struct {
		Sessions []app.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return body.Sessions, nil
}

func printSessions(w io.Writer, list []app.SessionInfo, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no live sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROTOCOL\tCREATED\tPENDING")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.Name, s.Protocol, humanize.Time(now.Add(-s.Age)), s.Pending)
	}
	_ = tw.Flush()
}
