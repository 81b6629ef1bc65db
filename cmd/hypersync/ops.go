package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hypersync/internal/compaction"
	"github.com/kalambet/hypersync/internal/config"
	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/peer"
	"github.com/kalambet/hypersync/internal/replication"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull once from every configured peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetString("peer")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.Peers) == 0 {
			printWarning("no peers configured in %s", config.PeersFilePath())
			return nil
		}

		engine, err := newEngine(a.cfg, a.svc, a.logger)
		if err != nil {
			return err
		}

		var reports []replication.Report
		if only != "" {
			rep, err := engine.SyncPeer(cmd.Context(), only)
			if errors.Is(err, replication.ErrUnknownPeer) {
				return err
			}
			rep.Err = err
			reports = []replication.Report{rep}
		} else {
			reports = engine.SyncAll(cmd.Context())
		}

		failed := printReports(reports)
		if failed > 0 {
			return fmt.Errorf("%d of %d peers failed", failed, len(reports))
		}
		return nil
	},
}

// printReports prints one line per peer and returns how many failed.
func printReports(reports []replication.Report) int {
	failed := 0
	for _, rep := range reports {
		if rep.Err != nil {
			failed++
			printError("%s: %v", rep.Peer, rep.Err)
			continue
		}
		printSuccess("%s: fetched %d, inserted %d, replaced %d, stale %d, skipped %d (mark %d, %s)",
			rep.Peer, rep.Fetched, rep.Inserted, rep.Replaced, rep.Stale, rep.Skipped, rep.Mark, rep.Causality)
		if rep.Deferred {
			printWarning("%s: waiting on entries that have not arrived yet; run sync again later", rep.Peer)
		}
	}
	return failed
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare this device's clock with every configured peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.Peers) == 0 {
			printWarning("no peers configured in %s", config.PeersFilePath())
			return nil
		}

		statuses, err := peerStatuses(cmd.Context(), a)
		if err != nil {
			return err
		}
		unreachable := 0
		for _, st := range statuses {
			if st.Err != nil {
				unreachable++
				printError("%s: %v", st.Peer, st.Err)
				continue
			}
			printStatus(st.Peer, "%s, %d entries to pull", st.Causality, st.Pending)
		}
		if unreachable > 0 {
			return fmt.Errorf("%d of %d peers unreachable", unreachable, len(statuses))
		}
		return nil
	},
}

// peerStatus is where one peer stands relative to the local replica.
type peerStatus struct {
	Peer      string
	Causality graph.Causality
	// Pending is how many of the peer's own log entries are not applied here.
	Pending int64
	Err     error
}

// peerStatuses asks every configured peer for its vector clock. Nothing is
// merged; an unreachable peer only fails its own entry.
func peerStatuses(ctx context.Context, a *app) ([]peerStatus, error) {
	clients, err := newClients(a.cfg)
	if err != nil {
		return nil, err
	}
	local, err := a.svc.VectorClock(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]peerStatus, len(clients))
	var g errgroup.Group
	for i, c := range clients {
		g.Go(func() error {
			out[i] = peerStatusOf(ctx, a, c, local)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func peerStatusOf(ctx context.Context, a *app, c *peer.Client, local graph.VectorClock) peerStatus {
	st := peerStatus{Peer: c.DeviceID()}
	if timeout := a.cfg.Sync.ExchangeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.Clock(ctx)
	if err != nil {
		st.Err = err
		return st
	}
	if resp.DeviceID != st.Peer {
		st.Err = fmt.Errorf("%w: expected device %s, got %q", replication.ErrRejected, st.Peer, resp.DeviceID)
		return st
	}
	mark, err := a.svc.HighWaterMark(ctx, st.Peer)
	if err != nil {
		st.Err = err
		return st
	}
	st.Causality = local.Compare(resp.Clock)
	st.Pending = max(0, resp.Clock.Get(st.Peer)-mark)
	return st
}

func init() {
	syncCmd.Flags().String("peer", "", "sync only with this device id")
	syncCmd.AddCommand(syncStatusCmd)
}

// --- compact ---

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove tombstones that every known device has seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		retention, _ := cmd.Flags().GetDuration("retention")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if retention <= 0 {
			retention = a.cfg.Compaction.Retention
		}
		printStep("Compacting tombstones older than %s", retention)

		res, err := compaction.NewWorker(a.svc, retention, 0).RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Hyperedges removed", "%d", res.Hyperedges)
		printStatus("Nodes removed", "%d", res.Nodes)
		printStatus("Incidences removed", "%d", res.Incidences)
		printStatus("Pending", "%d", res.Pending)
		return nil
	},
}

func init() {
	compactCmd.Flags().Duration("retention", 0, "minimum tombstone age (default compaction.retention)")
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show store and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.ClusterHealth(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), h)
		}

		printStatus("Device", "%s", h.DeviceID)
		printStatus("Local clock", "%d", h.LocalClock)
		printStatus("Nodes", "%d active, %d deleted", h.ActiveNodes, h.DeletedNodes)
		for ct, n := range h.NodesByType {
			printStatus("  "+string(ct), "%d", n)
		}
		printStatus("Hyperedges", "%d active, %d deleted", h.ActiveHyperedges, h.DeletedHyperedges)
		printStatus("Incidences", "%d", h.Incidences)
		printStatus("Log entries", "%d", h.LogEntries)
		printStatus("Index", "%d vectors (%s, dim %d)", a.svc.Index().Len(), a.svc.Index().Metric(), a.svc.Index().Dimension())
		printStatus("Devices", "%d known, %d synced", h.KnownDevices, h.DevicesSynced)
		if h.LastSync != nil {
			printStatus("Last sync", "%s", h.LastSync.Format(time.RFC3339))
		} else {
			printStatus("Last sync", "never")
		}

		clocks, err := a.svc.DeviceClocks(cmd.Context())
		if err != nil {
			return err
		}
		for _, dc := range clocks {
			printStatus("  "+dc.DeviceID, "clock %d", dc.Clock)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().Bool("json", false, "print as JSON")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the vector index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index with the configured metric and dimension",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		idx := a.svc.Index()
		printSuccess("Indexed %d embeddings (%s, dim %d)", idx.Len(), idx.Metric(), idx.Dimension())
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if cfg.Sync.Token != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = (set)\n", colorize(colorBold, "sync.token"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the sync token in the platform secret store",
	Long: `Store the sync token in the platform secret store.
Without an argument the token is read from the first line of stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading token from stdin: %w", err)
			}
			token = line
		}

		if err := config.SetToken(token); err != nil {
			return err
		}
		printSuccess("Sync token stored")
		return nil
	},
}

var configPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List, add or remove sync peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(cfg.Peers) == 0 {
			printWarning("no peers configured in %s", config.PeersFilePath())
			return nil
		}
		for _, p := range cfg.Peers {
			tok := ""
			if p.Token != "" {
				tok = " (own token)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s%s\n", colorize(colorBold, p.DeviceID), p.URL, tok)
		}
		return nil
	},
}

var configPeersAddCmd = &cobra.Command{
	Use:   "add <device-id> <url>",
	Short: "Add or replace a sync peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if args[0] == cfg.Device.ID {
			return fmt.Errorf("%s is this device", args[0])
		}

		p := config.Peer{DeviceID: args[0], URL: strings.TrimSpace(args[1]), Token: token}
		peers := upsertPeer(cfg.Peers, p)
		if err := config.SavePeers(peers); err != nil {
			return err
		}
		// Round-trip through the loader so a bad URL is reported now.
		if _, err := config.Load(); err != nil {
			if rerr := config.SavePeers(cfg.Peers); rerr != nil {
				printError("restoring peers file: %v", rerr)
			}
			return err
		}
		printSuccess("Added peer %s at %s", p.DeviceID, p.URL)
		return nil
	},
}

var configPeersRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Remove a sync peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		peers, ok := removePeer(cfg.Peers, args[0])
		if !ok {
			return fmt.Errorf("unknown peer %q", args[0])
		}
		if err := config.SavePeers(peers); err != nil {
			return err
		}
		printSuccess("Removed peer %s", args[0])
		return nil
	},
}

func upsertPeer(peers []config.Peer, p config.Peer) []config.Peer {
	out := make([]config.Peer, 0, len(peers)+1)
	replaced := false
	for _, q := range peers {
		if q.DeviceID == p.DeviceID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, q)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

func removePeer(peers []config.Peer, deviceID string) ([]config.Peer, bool) {
	out := make([]config.Peer, 0, len(peers))
	for _, q := range peers {
		if q.DeviceID != deviceID {
			out = append(out, q)
		}
	}
	return out, len(out) != len(peers)
}

func init() {
	configPeersAddCmd.Flags().String("token", "", "token for this peer (default sync.token)")
	configPeersCmd.AddCommand(configPeersAddCmd)
	configPeersCmd.AddCommand(configPeersRemoveCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetTokenCmd)
	configCmd.AddCommand(configPeersCmd)
}
