// Command cowrite-server runs the session directory: the only server-side
// piece, used by peers to find each other and exchange offers and answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Cowrite/internal/adapters/http"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/config"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cowrite-server",
		Short:        "Cowrite directory server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize zerolog global logger early so config.Load can use it.
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServer(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: config/config.<CONFIG_ENV>.yaml)")
	return rootCmd
}

func directoryOptions(cfg *config.ServerConfig) app.DirectoryOptions {
	return app.DirectoryOptions{
		TakeoverAfter: cfg.TakeoverAfter,
		MaxAge:        cfg.MaxAge,
		PollTimeout:   cfg.PollTimeout,
		SweepInterval: cfg.SweepInterval,
		AnswerGrace:   cfg.AnswerGrace,
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Server.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	clock := clockwork.NewRealClock()
	dir := app.NewDirectory(clock, directoryOptions(&cfg.Server))
	limiter := app.NewRateLimiter(clock, cfg.Server.CreateLimit, cfg.Server.CreateWindow)

	r := router.SetupRouter(ctx, &cfg.Server, dir, limiter)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Cowrite directory started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dir.Run(gctx)
	})
	g.Go(func() error {
		prune := cfg.Server.CreateWindow
		if prune <= 0 {
			prune = time.Minute
		}
		ticker := clock.NewTicker(prune)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.Chan():
				limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
