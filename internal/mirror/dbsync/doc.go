// Package dbsync pushes pages from the document store into the mirror
// directory.
//
// # Overview
//
// The Service renders each page as Markdown with frontmatter and writes it
// to the path the planner assigns. It is the DB→FS half of the mirror; the
// daemon package is the FS→DB half. Both share the lock registry and the
// sync metadata store.
//
// # Write path
//
// For every page:
//
//	plan paths (full page set) → encode → conflict check → lock → atomic write
//	    → metadata entry {path, hash, now} → release lock after ReleaseDelay
//
// The watcher sees a write only after its debounce, so the lock must
// outlive that window. Removals hold it for twice the delay.
//
// # Conflicts
//
// If the file on disk no longer matches the hash recorded at the last sync,
// somebody edited it. The edit is saved as a conflict backup next to the
// file before the new content replaces it. The incoming write always wins.
//
// # Usage
//
//	svc := dbsync.New(dbsync.Config{
//	    Root:  root,
//	    Store: store,
//	    Meta:  syncmeta.NewStore(root, logger),
//	})
//
//	// Whole tenant
//	res, err := svc.FullSync(ctx, "acme")
//
//	// After a page save, without blocking the caller
//	q := dbsync.NewQueue(svc, 256, logger)
//	go q.Run(ctx)
//	_ = q.Enqueue(dbsync.Job{Tenant: "acme", PageID: id, Op: dbsync.OpSync})
//
// # Error Handling
//
// FullSync keeps going when a page fails and reports it in Result.Failed
// and Result.Errors. Only failures that make the whole batch meaningless,
// such as an unreadable page list, are returned as errors.
package dbsync
