package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	dirclient "github.com/dkeye/Cowrite/internal/adapters/directory"
	"github.com/dkeye/Cowrite/internal/adapters/rtc"
	"github.com/dkeye/Cowrite/internal/adapters/store"
	"github.com/dkeye/Cowrite/internal/app/orch"
	"github.com/dkeye/Cowrite/internal/config"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/document"
	"github.com/dkeye/Cowrite/internal/domain"
)

func newConnectCmd() *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "connect <session>",
		Short: "Host or join a session; stdin lines are appended to the document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], protocol)
		},
	}
	cmd.Flags().StringVarP(&protocol, "protocol", "p", "", "Protocol when hosting: single-offer | queue (overrides peer.protocol)")
	return cmd
}

func runConnect(cmd *cobra.Command, name, protocol string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if protocol != "" {
		cfg.Peer.Protocol = protocol
	}
	opts, err := peerOptions(cfg.Peer)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dir, closeDir, err := dialDirectory(ctx, endpoint(cfg.Peer.Directory))
	if err != nil {
		return err
	}
	defer closeDir()

	doc := document.New(uuid.NewString()[:8])
	snapshots := store.NewMemory()
	o := orch.New(orch.Deps{
		Directory: dir,
		Transport: rtc.NewTransport(rtc.Options{
			ICEServers:    cfg.ICE.Servers,
			GatherTimeout: cfg.ICE.GatherTimeout,
		}),
		Document: doc,
		Store:    snapshots,
	}, opts)

	out := cmd.OutOrStdout()
	o.OnChange(func(st orch.Status) {
		ev := log.Info().Str("state", string(st.State)).Str("session", string(st.Session)).Int("peers", st.Peers)
		if st.Role != domain.RoleNone {
			ev = ev.Str("role", string(st.Role))
		}
		if st.Err != nil {
			ev = ev.AnErr("reason", st.Err)
		}
		ev.Msg("status")
	})
	stopPrint := doc.OnUpdate(func(_ []byte, origin core.Origin) {
		if origin == core.OriginRemote {
			printDocument(out, doc)
		}
	})
	defer stopPrint()

	if err := o.Connect(name); err != nil {
		return err
	}
	go readLines(ctx, cmd.InOrStdin(), doc)

	<-ctx.Done()
	log.Info().Msg("leaving")
	closeErr := o.Close()

	if snap, ok := snapshots.Load(name); ok {
		log.Info().Str("size", humanize.Bytes(uint64(len(snap)))).Int("saves", snapshots.Saves(name)).Msg("last snapshot")
	}
	printDocument(out, doc)
	return closeErr
}

func readLines(ctx context.Context, in io.Reader, doc *document.Document) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := doc.Append(line); err != nil {
			log.Error().Err(err).Msg("append line")
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("stdin")
	}
}

func printDocument(w io.Writer, doc *document.Document) {
	fmt.Fprintf(w, "--- %d lines\n", doc.Len())
	for _, line := range doc.Lines() {
		fmt.Fprintln(w, line)
	}
}

func endpoint(configured string) string {
	if directory != "" {
		return directory
	}
	return configured
}

// dialDirectory picks the WebSocket client for ws:// endpoints and plain
// HTTP otherwise.
func dialDirectory(ctx context.Context, url string) (core.Directory, func(), error) {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ws, err := dirclient.DialWS(dialCtx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial directory: %w", err)
		}
		return ws, func() { _ = ws.Close() }, nil
	}
	return dirclient.NewHTTP(url, nil), func() {}, nil
}

func peerOptions(pc config.PeerConfig) (orch.Options, error) {
	opts := orch.DefaultOptions()
	if pc.Protocol != "" {
		p := domain.Protocol(pc.Protocol)
		if !p.Valid() {
			return opts, fmt.Errorf("unknown protocol %q (use single-offer or queue)", pc.Protocol)
		}
		opts.Protocol = p
	}
	setDuration(&opts.PollInterval, pc.PollInterval)
	setDuration(&opts.BusyRetry, pc.BusyRetry)
	setDuration(&opts.ReconnectBackoff, pc.ReconnectBackoff)
	setDuration(&opts.AnswerPollInterval, pc.AnswerPollInterval)
	setDuration(&opts.ConnectTimeout, pc.ConnectTimeout)
	setDuration(&opts.OfferRefresh, pc.OfferRefresh)
	setDuration(&opts.SaveDelay, pc.SaveDelay)
	setDuration(&opts.PeerSweepInterval, pc.PeerSweepInterval)
	setDuration(&opts.PeerGrace, pc.PeerGrace)
	if pc.AnswerPollAttempts > 0 {
		opts.AnswerPollAttempts = pc.AnswerPollAttempts
	}
	if pc.MaxAdmissions > 0 {
		opts.MaxAdmissions = pc.MaxAdmissions
	}
	return opts, nil
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
