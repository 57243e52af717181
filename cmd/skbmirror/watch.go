package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/skbmirror/internal/config"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/daemon"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dashboard"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run the two-way sync daemon (foreground)",
	Long: `Run a full sync, then watch the mirror for edits and write them back to
the database.

The daemon will:
  1. Write every page to the mirror
  2. Watch the mirror folder tree for .md changes
  3. Apply edits, new files and deletions to the database
  4. Run queued single-page syncs
  5. With --http, serve the ops API and a WebSocket event feed

Writes made by the sync itself are not echoed back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withHTTP, _ := cmd.Flags().GetBool("http")
		allTenants, _ := cmd.Flags().GetBool("all-tenants")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			server   *dashboard.Server
			syncNote dbsync.Notifier
			fsNote   daemon.Notifier
		)
		if withHTTP {
			server = dashboard.NewServer(dashboard.Config{
				Addr:        cfg.HTTP.Addr,
				Tenant:      cfg.Tenant,
				Root:        a.root,
				Meta:        a.meta,
				Conflicts:   a.conflicts,
				Attachments: a.attachments(),
				Logger:      logger,
			})
			h := dashboard.NewHandler(server, logger)
			syncNote, fsNote = h, h
		}

		svc := a.syncService(syncNote)
		queue := dbsync.NewQueue(svc, cfg.QueueSize, logger)
		if server != nil {
			server.SetSync(svc, queue)
		}

		var tenants []string
		if !allTenants {
			tenants = []string{cfg.Tenant}
		}
		d, err := daemon.New(daemon.Config{
			Root:             a.root,
			Store:            a.store,
			Meta:             a.meta,
			Sync:             svc,
			Tenants:          tenants,
			Notifier:         fsNote,
			Logger:           logger,
			Debounce:         cfg.Debounce,
			FullSyncInterval: cfg.FullSyncInterval,
			LockTTL:          cfg.LockTTL,
			ReleaseDelay:     cfg.ReleaseDelay,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		fmt.Printf("%s Starting skbmirror daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Mirror: %s\n", a.root.Dir())
		fmt.Printf("   Database: %s\n", a.store.Path())
		if allTenants {
			fmt.Printf("   Tenants: all\n")
		} else {
			fmt.Printf("   Tenant: %s\n", cfg.Tenant)
		}
		if server != nil {
			fmt.Printf("   Ops server: http://%s\n", cfg.HTTP.Addr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if server != nil {
			if err := server.Start(); err != nil {
				return err
			}
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return d.Start(ctx) })
		g.Go(func() error { return queue.Run(ctx) })
		if server != nil {
			g.Go(func() error {
				<-ctx.Done()
				return server.Stop()
			})
		}

		err = g.Wait()
		svc.ReleaseAll()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("http", false, "serve the ops API and WebSocket feed")
	watchCmd.Flags().String("addr", "", "ops server address (default 127.0.0.1:8787)")
	watchCmd.Flags().Duration("debounce", 0, "quiet period before a file event is handled")
	watchCmd.Flags().Duration("full-sync-interval", 0, "run a full sync periodically (0 disables)")
	watchCmd.Flags().Bool("all-tenants", false, "sync every tenant folder under the mirror root")

	if err := config.BindFlags(v, watchCmd.Flags(), map[string]string{
		config.KeyHTTPAddr:         "addr",
		config.KeyDebounce:         "debounce",
		config.KeyFullSyncInterval: "full-sync-interval",
	}); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(watchCmd)
}
