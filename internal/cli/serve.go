package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/feed"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Listen string // overrides the configured listen address
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tally engine and the realtime feed",
		Long: `Run the tally engine against the database and serve the websocket feed,
the item endpoints and metrics over HTTP.

The server runs until interrupted (Ctrl+C) or terminated (SIGTERM).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", "", "listen address (overrides config)")

	return cmd
}

func runServe(parentCtx context.Context, rootOpts *RootOptions, opts *ServeOptions) error {
	cfg := rootOpts.config()
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	strategy, err := engine.ParseStrategy(cfg.Strategy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid strategy", err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := openStore(rootOpts)
	if err != nil {
		return err
	}
	defer closeStore(st)

	hub := feed.NewHub()
	eng := engine.New(st,
		engine.WithListener(hub),
		engine.WithStrategy(strategy),
		engine.WithResubscribeDelay(cfg.ResubscribeDelay),
		engine.WithWriteTimeout(cfg.WriteTimeout),
	)
	items := engine.NewItems(st, strategy)
	auth := feed.NewAuthenticator(cfg.JWTSecret)
	if !auth.Enabled() {
		slog.Warn("jwt_secret not set, every client is anonymous and cannot vote")
	}
	srv := feed.NewServer(eng, items, auth, hub, serverSettings(cfg))

	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("feed listening", "addr", cfg.Listen, "strategy", string(strategy))
		serveErr <- httpSrv.ListenAndServe()
	}()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Run(ctx)
	}()

	var failure error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			failure = WrapExitError(ExitFailure, "feed server failed", err)
		}
		cancel()
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("feed shutdown", "error", err)
	}

	if err := <-engineErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	if failure != nil {
		return failure
	}
	slog.Info("engine stopped gracefully")
	return nil
}

func serverSettings(cfg *config.Config) *feed.Settings {
	settings := feed.DefaultSettings()
	if cfg.DefaultScope != "" {
		settings.DefaultScope = cfg.DefaultScope
	}
	if cfg.WriteTimeout > 0 {
		settings.RequestTimeout = cfg.WriteTimeout
	}
	return settings
}
