package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardrobekit/backend/internal/app"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/statushub"
	"github.com/wardrobekit/backend/internal/telemetry"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local status server",
		Long: `Run the sync daemon: opens the local store, watches connectivity, drains
pending mutations to the remote backend and serves sync status on a
loopback address.

Endpoints:
  GET  /api/health   liveness
  GET  /api/status   pending count, connectivity, coordinator state
  POST /api/flush    start a drain pass now
  GET  /ws           WebSocket stream of status and sync events
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Status.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status server listen address (default from status.addr)")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions) error {
	cfg := root.cfg

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	a, err := app.Open(ctx, cfg, app.Options{Sync: true})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := statushub.NewHub()
	defer hub.Close()
	status := statushub.NewServer(a.Cache, hub)
	defer status.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Status.Addr,
		Handler:           status.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Info("status server listening", map[string]interface{}{"addr": cfg.Status.Addr})
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	logging.Info("shutting down", map[string]interface{}{"pending": a.Cache.PendingCount()})
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
