package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudgallery/medialib/internal/copier"
	"github.com/cloudgallery/medialib/internal/daemon"
	"github.com/cloudgallery/medialib/internal/dashboard"
	"github.com/cloudgallery/medialib/internal/fusion"
	"github.com/cloudgallery/medialib/internal/notify"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the library maintenance daemon",
	Long: `Run the maintenance daemon in the foreground.

The daemon:
  1. Watches the inbox directory for JSONL cloud-record batches
  2. Applies each batch to the library database
  3. Periodically refreshes album stats and reconciles mappings and albums
  4. Ages out deleted rows past their retention window

With the dashboard enabled, progress is broadcast over WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		var notifier notify.Notifier = notify.Discard
		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(cfg.Dashboard.Port, logger)
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			notifier = dash
		}

		cp := copier.New(cfg.CloudRoot, nil, logger)
		engine := fusion.New(db, cp, notifier, nil, logger)

		dcfg := &daemon.Config{
			StatsRefreshInterval: cfg.Daemon.StatsRefreshInterval,
			ReconcileInterval:    cfg.Daemon.ReconcileInterval,
			DebounceInterval:     cfg.Daemon.DebounceInterval,
			TombstoneRetention:   cfg.Daemon.TombstoneRetention,
		}
		if dash != nil {
			dcfg.Broadcaster = dash
		}

		d, err := daemon.New(db, engine, cfg.InboxDir, dcfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}
