package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultCheckpointInterval is the default period between checkpoint ticks.
const defaultCheckpointInterval = 30 * time.Second

// checkpointConcurrency caps how many sessions are flushed in parallel
// during one checkpoint pass.
const checkpointConcurrency = 4

// Checkpointer periodically flushes every live session to the document
// store. This bounds the transcript data lost if the process crashes between
// the pause/stop flush points, without serializing every recognition event
// behind disk I/O.
//
// All methods are safe for concurrent use.
type Checkpointer struct {
	reg      *Registry
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// CheckpointerConfig configures a [Checkpointer].
type CheckpointerConfig struct {
	// Registry holds the sessions to checkpoint. Required.
	Registry *Registry

	// Interval is how often to checkpoint. Defaults to 30 seconds if zero.
	Interval time.Duration
}

// NewCheckpointer creates a new [Checkpointer] with the given configuration.
func NewCheckpointer(cfg CheckpointerConfig) *Checkpointer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &Checkpointer{
		reg:      cfg.Registry,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins periodic checkpointing in a background goroutine.
// The goroutine runs until [Checkpointer.Stop] is called or ctx is cancelled.
func (c *Checkpointer) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the checkpoint loop. Safe to call multiple times.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// loop runs the periodic checkpoint ticker.
func (c *Checkpointer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.reg.CheckpointAll(ctx); err != nil {
				slog.Warn("periodic checkpoint failed", "err", err)
			}
		}
	}
}

// CheckpointAll flushes every session currently held by the registry.
// Sessions are flushed concurrently, bounded by a fixed limit; a session
// removed mid-pass is skipped. Returns the first flush error encountered.
func (r *Registry) CheckpointAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(checkpointConcurrency)

	for _, id := range r.IDs() {
		g.Go(func() error {
			err := r.Checkpoint(ctx, id)
			if errors.Is(err, ErrUnknownSession) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
