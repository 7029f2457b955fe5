package metrics

import (
	"context"
	"log/slog"
	"time"
)

// RowCounter is the store surface needed for cache size metrics
type RowCounter interface {
	Tables() []string
	Count(ctx context.Context, table string) (int, error)
}

// StartCacheSizeCollector starts a loop that periodically
// collects per-table row counts from the store. It blocks until ctx is done.
func StartCacheSizeCollector(ctx context.Context, db RowCounter, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collectCacheSizes(ctx, db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cache size collector stopping")
			return
		case <-ticker.C:
			collectCacheSizes(ctx, db, logger)
		}
	}
}

func collectCacheSizes(ctx context.Context, db RowCounter, logger *slog.Logger) {
	for _, table := range db.Tables() {
		n, err := db.Count(ctx, table)
		if err != nil {
			logger.Error("Failed to count cached rows", "table", table, "error", err)
			continue
		}
		CacheRows.WithLabelValues(table).Set(float64(n))
	}
}
