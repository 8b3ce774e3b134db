package indexer

import (
	"context"
	"fmt"
	"math"

	"notevault/internal/storage"
)

// QueueStats describes the worker queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// CoverageStats reports how much of the vault is embedded.
type CoverageStats struct {
	Notes       int        `json:"notes"`
	Embedded    int        `json:"embedded"`
	Backups     int        `json:"backups"`
	Accelerated int        `json:"accelerated"`
	Backend     string     `json:"backend"`
	Coverage    float64    `json:"coverage"` // Embedded / Notes, rounded to 2 decimals
	Queue       QueueStats `json:"queue"`
}

// QueueStats returns a snapshot of the queue counters.
func (w *Worker) QueueStats() QueueStats {
	return QueueStats{
		Pending:   len(w.queue),
		Capacity:  cap(w.queue),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Stats computes coverage from the datastore and the worker counters.
func (w *Worker) Stats(ctx context.Context) (*CoverageStats, error) {
	notes, err := w.items.ListByType(ctx, storage.ItemTypeNote)
	if err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}
	idx, err := w.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index stats: %w", err)
	}

	stats := &CoverageStats{
		Notes:       len(notes),
		Embedded:    idx.Embedded,
		Backups:     idx.Backups,
		Accelerated: idx.Accelerated,
		Backend:     idx.Backend,
		Queue:       w.QueueStats(),
	}
	stats.Coverage = coverage(stats.Embedded, stats.Notes)
	return stats, nil
}

func coverage(embedded, notes int) float64 {
	if notes == 0 {
		return 0
	}
	ratio := float64(embedded) / float64(notes)
	return math.Round(ratio*100) / 100
}
