package dbsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultQueueSize is the default capacity of a Queue.
const DefaultQueueSize = 256

// ErrQueueFull is returned by Enqueue when the queue has no room.
var ErrQueueFull = errors.New("sync queue is full")

// Op names the work a Job asks for.
type Op string

const (
	// OpSync writes one page.
	OpSync Op = "sync"
	// OpDelete removes the file of a deleted page.
	OpDelete Op = "delete"
	// OpFullSync writes every page of the tenant.
	OpFullSync Op = "full"
)

// Job is one post-save task.
type Job struct {
	Tenant string `json:"tenant"`
	PageID string `json:"pageId,omitempty"`
	Op     Op     `json:"op"`
}

// Queue hands post-save work to a single worker so callers never wait on
// the filesystem. Errors are logged, not returned to the caller.
type Queue struct {
	svc    *Service
	jobs   chan Job
	logger *slog.Logger
}

// NewQueue creates a queue for svc holding at most size pending jobs.
func NewQueue(svc *Service, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		svc:    svc,
		jobs:   make(chan Job, size),
		logger: logger.With("component", "queue"),
	}
}

// Enqueue adds a job without blocking.
func (q *Queue) Enqueue(j Job) error {
	select {
	case q.jobs <- j:
		return nil
	default:
		q.logger.Warn("Dropping sync job", "tenant", j.Tenant, "page", j.PageID, "op", string(j.Op))
		return ErrQueueFull
	}
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Run handles jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("Queue worker started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Queue worker stopped", "pending", len(q.jobs))
			return nil
		case j := <-q.jobs:
			q.handle(ctx, j)
		}
	}
}

// Drain handles every pending job on the calling goroutine and returns how
// many ran.
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case j := <-q.jobs:
			q.handle(ctx, j)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) handle(ctx context.Context, j Job) {
	if err := q.run(ctx, j); err != nil {
		q.logger.Error("Sync job failed",
			"tenant", j.Tenant,
			"page", j.PageID,
			"op", string(j.Op),
			"error", err)
	}
}

func (q *Queue) run(ctx context.Context, j Job) error {
	switch j.Op {
	case OpSync:
		return q.svc.SyncPage(ctx, j.Tenant, j.PageID)
	case OpDelete:
		return q.svc.DeletePageFile(ctx, j.Tenant, j.PageID)
	case OpFullSync:
		res, err := q.svc.FullSync(ctx, j.Tenant)
		if err == nil && res.Failed > 0 {
			err = fmt.Errorf("%d pages failed", res.Failed)
		}
		return err
	default:
		return fmt.Errorf("unknown op %q", j.Op)
	}
}
