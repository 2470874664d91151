package accounts

import (
	"context"
	"log/slog"
	"time"
)

// Default task intervals.
const (
	DefaultRefetchInterval = 5 * time.Minute
	DefaultFlushInterval   = time.Hour
)

// Tasks drives the periodic account refetch and meter flush.
type Tasks struct {
	Cache   *Cache
	Refetch time.Duration
	Flush   time.Duration
	Log     *slog.Logger
}

// Run blocks until ctx is cancelled, refetching accounts and flushing the
// meter on their intervals. Errors are logged by the cache and swallowed
// here; a failed tick never stops the loop.
func (t Tasks) Run(ctx context.Context) {
	refetch := t.Refetch
	if refetch <= 0 {
		refetch = DefaultRefetchInterval
	}
	flush := t.Flush
	if flush <= 0 {
		flush = DefaultFlushInterval
	}
	log := t.Log
	if log == nil {
		log = slog.Default()
	}

	refetchTicker := time.NewTicker(refetch)
	defer refetchTicker.Stop()
	flushTicker := time.NewTicker(flush)
	defer flushTicker.Stop()

	log.Info("account tasks started", "refetch", refetch.String(), "flush", flush.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("account tasks stopping")
			return
		case <-refetchTicker.C:
			_ = t.Cache.Refresh(ctx)
		case <-flushTicker.C:
			t.Cache.Flush(ctx)
		}
	}
}
