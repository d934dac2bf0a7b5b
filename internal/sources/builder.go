package sources

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/deriva/internal/logging"
	"github.com/rendis/deriva/pkg/schema"
)

// MaxRefreshDelay bounds the pause before snapshot refresh reads.
const MaxRefreshDelay = 5 * time.Second

// refreshConcurrency bounds parallel refresh reads.
const refreshConcurrency = 32

// StateReader reads the current value of an external state.
// It returns (nil, nil) when the state does not exist.
type StateReader interface {
	GetState(ctx context.Context, id string) (*schema.State, error)
}

// BuilderOptions controls snapshot refresh.
type BuilderOptions struct {
	// Refresh re-reads every declared id before freezing the snapshot.
	Refresh bool
	// Delay is waited before the refresh reads; clamped to [0, MaxRefreshDelay].
	Delay time.Duration
}

// Builder produces per-tick snapshots.
type Builder struct {
	cache  *Cache
	reader StateReader
	opts   BuilderOptions
	once   *logging.OnceLogger
}

// NewBuilder creates a Builder. reader may be nil when Refresh is off.
func NewBuilder(cache *Cache, reader StateReader, opts BuilderOptions, logger *slog.Logger) *Builder {
	if opts.Delay < 0 || opts.Delay > MaxRefreshDelay {
		opts.Delay = 0
	}
	return &Builder{cache: cache, reader: reader, opts: opts, once: logging.NewOnceLogger(logger)}
}

// Cache returns the underlying source cache.
func (b *Builder) Cache() *Cache { return b.cache }

// Build freezes a snapshot of ids. With refresh enabled it first waits the
// configured delay, then reads all ids concurrently and joins before
// freezing. Read errors leave the cached value untouched.
func (b *Builder) Build(ctx context.Context, ids []string) *Snapshot {
	if b.opts.Refresh && b.reader != nil && len(ids) > 0 {
		if b.opts.Delay > 0 {
			timer := time.NewTimer(b.opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return b.cache.Snapshot(ids)
			case <-timer.C:
			}
		}
		b.refresh(ctx, ids)
	}
	return b.cache.Snapshot(ids)
}

func (b *Builder) refresh(ctx context.Context, ids []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			st, err := b.reader.GetState(gctx, id)
			if err != nil {
				b.once.Warn(ctx, "refresh:"+id, "cannot refresh source state",
					slog.String("source", id), slog.String("error", err.Error()))
				return nil
			}
			if st != nil {
				b.cache.Set(id, *st)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Prime reads ids once into the cache, as done when subscriptions change.
// Missing or unreadable ids are logged once each.
func (b *Builder) Prime(ctx context.Context, ids []string) {
	if b.reader == nil {
		return
	}
	for _, id := range ids {
		st, err := b.reader.GetState(ctx, id)
		switch {
		case err != nil:
			b.once.Warn(ctx, "read:"+id, "cannot read source state",
				slog.String("source", id), slog.String("error", err.Error()))
		case st == nil:
			b.once.Warn(ctx, "missing:"+id, "source state not found", slog.String("source", id))
		default:
			b.cache.Set(id, *st)
		}
	}
}
