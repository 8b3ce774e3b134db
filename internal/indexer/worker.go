package indexer

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_embedder.go -package=mocks notevault/internal/indexer Embedder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"notevault/internal/contextutil"
	"notevault/internal/semantic"
	"notevault/internal/storage"
)

// ErrStopped is returned when work is scheduled on a stopped Worker.
var ErrStopped = errors.New("index worker stopped")

// Embedder turns text into a vector. *llm.EmbeddingsClient implements it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ItemLookup is the subset of the item store the worker reads.
type ItemLookup interface {
	GetByID(ctx context.Context, id string) (*storage.Item, error)
	ListByType(ctx context.Context, itemType storage.ItemType) ([]storage.Item, error)
	ListUnembeddedNotes(ctx context.Context) ([]storage.Item, error)
}

// NoteReader loads note content.
type NoteReader interface {
	Get(ctx context.Context, itemID string) (*storage.NoteContent, error)
}

// Index receives computed embeddings. *semantic.Service implements it.
type Index interface {
	UpsertEmbedding(ctx context.Context, itemID string, vector []float32) error
	Stats(ctx context.Context) (*semantic.Stats, error)
}

// Options configures a Worker.
type Options struct {
	QueueSize int
	Workers   int
}

// Worker computes note embeddings off the save path. Jobs are item IDs on a
// bounded queue; a full queue drops new jobs rather than blocking the caller.
type Worker struct {
	items     ItemLookup
	notes     NoteReader
	embedder  Embedder
	index     Index
	extractor *Extractor
	workers   int

	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex // guards closed and sends on queue
	closed   bool
	wg       sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorker creates a Worker. Call Start to begin processing.
func NewWorker(items ItemLookup, notes NoteReader, embedder Embedder, index Index, opts Options) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Worker{
		items:     items,
		notes:     notes,
		embedder:  embedder,
		index:     index,
		extractor: NewExtractor(),
		workers:   opts.Workers,
		queue:     make(chan string, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutines. ctx carries the logger used for jobs;
// cancelling it aborts in-flight embedding calls.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for id := range w.queue {
				w.process(ctx, id)
			}
		}()
	}
}

// Enqueue schedules itemID for embedding. It never blocks and reports whether
// the job was accepted.
func (w *Worker) Enqueue(ctx context.Context, itemID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return false
	}
	select {
	case w.queue <- itemID:
		return true
	default:
		w.dropped.Add(1)
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "index queue full, dropping job", "item_id", itemID)
		return false
	}
}

// ReindexAll schedules every note and returns how many were found. Jobs are
// fed in the background so a large vault does not overflow the queue.
func (w *Worker) ReindexAll(ctx context.Context) (int, error) {
	notes, err := w.items.ListByType(ctx, storage.ItemTypeNote)
	if err != nil {
		return 0, err
	}
	return w.feed(ctx, notes)
}

// ReindexMissing schedules only the notes without a primary embedding,
// e.g. notes saved while the embedding server was down.
func (w *Worker) ReindexMissing(ctx context.Context) (int, error) {
	notes, err := w.items.ListUnembeddedNotes(ctx)
	if err != nil {
		return 0, err
	}
	return w.feed(ctx, notes)
}

func (w *Worker) feed(ctx context.Context, notes []storage.Item) (int, error) {
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return 0, ErrStopped
	}
	w.wg.Add(1)
	w.mu.RUnlock()

	logger := contextutil.LoggerFromContext(ctx)
	feedCtx := context.WithoutCancel(ctx)
	go func() {
		defer w.wg.Done()
		for i, id := range ids {
			if !w.enqueueWait(feedCtx, id) {
				logger.WarnContext(feedCtx, "reindex interrupted", "queued", i, "total", len(ids))
				return
			}
		}
		logger.InfoContext(feedCtx, "reindex queued", "notes", len(ids))
	}()
	return len(ids), nil
}

// enqueueWait blocks until itemID is queued or the worker stops.
func (w *Worker) enqueueWait(ctx context.Context, itemID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return false
	}
	select {
	case w.queue <- itemID:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop stops accepting jobs, interrupts any ReindexAll feed, drains the
// queue and waits for the workers.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *Worker) process(ctx context.Context, itemID string) {
	logger := contextutil.LoggerFromContext(ctx).With("item_id", itemID)

	if err := w.embedNote(ctx, itemID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between enqueue and processing.
			logger.DebugContext(ctx, "skipping index job for missing note", "error", err)
			return
		}
		w.failed.Add(1)
		logger.ErrorContext(ctx, "failed to index note", "error", err)
		return
	}
	w.processed.Add(1)
	logger.DebugContext(ctx, "note indexed")
}

func (w *Worker) embedNote(ctx context.Context, itemID string) error {
	item, err := w.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Type != storage.ItemTypeNote {
		return nil
	}

	note, err := w.notes.Get(ctx, itemID)
	if err != nil {
		return err
	}

	vec, err := w.embedder.EmbedText(ctx, w.extractor.Text(item.Name, note.Content))
	if err != nil {
		return err
	}
	return w.index.UpsertEmbedding(ctx, itemID, vec)
}
