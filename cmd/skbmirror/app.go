package main

import (
	"context"
	"fmt"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/attach"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/conflict"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/db"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/syncmeta"
)

// app holds the components shared by the commands.
type app struct {
	root      *mirrorfs.Root
	meta      *syncmeta.Store
	conflicts *conflict.Detector
	store     *db.Store
}

// openMirror opens the mirror side only; commands that never touch the
// database use it.
func openMirror() (*app, error) {
	root, err := mirrorfs.New(cfg.MirrorRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror root: %w", err)
	}
	meta := syncmeta.NewStore(root, logger)
	return &app{
		root: root,
		meta: meta,
		conflicts: conflict.NewDetector(meta, conflict.Options{
			LogSize: cfg.ConflictLogSize,
			Logger:  logger,
		}),
	}, nil
}

// openApp opens the mirror and the database.
func openApp(ctx context.Context) (*app, error) {
	a, err := openMirror()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = store
	return a, nil
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *app) syncService(n dbsync.Notifier) *dbsync.Service {
	return dbsync.New(dbsync.Config{
		Root:         a.root,
		Store:        a.store,
		Meta:         a.meta,
		Conflicts:    a.conflicts,
		Notifier:     n,
		Logger:       logger,
		LockTTL:      cfg.LockTTL,
		ReleaseDelay: cfg.ReleaseDelay,
	})
}

func (a *app) attachments() *attach.Store {
	return attach.New(a.root, a.store, a.store, logger)
}
