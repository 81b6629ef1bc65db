package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/hypersync/internal/compaction"
	"github.com/kalambet/hypersync/internal/config"
	"github.com/kalambet/hypersync/internal/peer"
	"github.com/kalambet/hypersync/internal/replication"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve this device's log to peers and sync with them in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		fmt.Fprintf(os.Stderr, "hypersync version %s\n", version)

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if addr == "" {
			addr = fmt.Sprintf(":%d", a.cfg.Server.Port)
		}
		return runServer(cmd.Context(), a, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :<server.port>)")
}

// newClients returns one HTTP client per configured peer.
func newClients(cfg config.Config) ([]*peer.Client, error) {
	clients := make([]*peer.Client, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		tok := cfg.PeerToken(p)
		if tok == "" {
			return nil, fmt.Errorf("peer %s: %w", p.DeviceID, cfg.RequireToken())
		}
		clients = append(clients, peer.NewClient(p.DeviceID, p.URL, tok, nil))
	}
	return clients, nil
}

// newEngine builds a replication engine pulling from every configured peer.
func newEngine(cfg config.Config, local replication.Local, logger *slog.Logger) (*replication.Engine, error) {
	clients, err := newClients(cfg)
	if err != nil {
		return nil, err
	}
	remotes := make([]replication.Remote, len(clients))
	for i, c := range clients {
		remotes[i] = c
	}
	return replication.NewEngine(local, remotes, replication.Options{
		ExchangeTimeout: cfg.Sync.ExchangeTimeout,
		BatchSize:       cfg.Sync.BatchSize,
		MaxRetries:      uint(cfg.Sync.MaxRetries),
		Logger:          logger,
	})
}

func newPeerHandler(a *app) http.Handler {
	return peer.NewHandler(a.svc, peer.HandlerOptions{
		Token:     a.cfg.Sync.Token,
		RateLimit: a.cfg.Server.RateLimit,
	})
}

func runServer(ctx context.Context, a *app, addr string) error {
	if err := a.cfg.RequireToken(); err != nil {
		return err
	}

	engine, err := newEngine(a.cfg, a.svc, a.logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newPeerHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Background sync and tombstone collection.
	if len(engine.Peers()) > 0 {
		go replication.NewScheduler(engine, a.cfg.Sync.Interval).Run(ctx)
	} else {
		printWarning("no peers configured in %s; serving only", config.PeersFilePath())
	}
	go compaction.NewWorker(a.svc, a.cfg.Compaction.Retention, a.cfg.Compaction.Interval).Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("hypersync listening", "addr", addr, "device", a.cfg.Device.ID, "peers", len(engine.Peers()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
