package clickhouse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// TickWriter buffers price samples and flushes them to a TickStore when the
// buffer fills or the flush interval elapses.
type TickWriter struct {
	store     domain.TickStore
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	buf   []domain.PricePoint
	full  chan struct{}
	drops int
}

// NewTickWriter creates a TickWriter. Defaults: 500 ticks, 5s.
func NewTickWriter(store domain.TickStore, batchSize int, interval time.Duration, logger *slog.Logger) *TickWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TickWriter{
		store:     store,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger.With(slog.String("component", "tick_writer")),
		full:      make(chan struct{}, 1),
	}
}

// Add buffers p. Its signature matches a price stream listener. When the
// store falls behind by more than ten batches the oldest ticks are dropped.
func (w *TickWriter) Add(_ context.Context, p domain.PricePoint) error {
	w.mu.Lock()
	w.buf = append(w.buf, p)
	if over := len(w.buf) - 10*w.batchSize; over > 0 {
		w.buf = w.buf[over:]
		w.drops += over
	}
	n := len(w.buf)
	w.mu.Unlock()

	if n >= w.batchSize {
		select {
		case w.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes until ctx is cancelled, then flushes what remains.
func (w *TickWriter) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			w.Flush(fctx)
			cancel()
			return ctx.Err()
		case <-t.C:
			w.Flush(ctx)
		case <-w.full:
			w.Flush(ctx)
		}
	}
}

// Flush writes the buffered ticks. On failure they are put back.
func (w *TickWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	drops := w.drops
	w.drops = 0
	w.mu.Unlock()

	if drops > 0 {
		w.logger.WarnContext(ctx, "tick buffer overflow, oldest ticks dropped", slog.Int("dropped", drops))
	}
	if len(batch) == 0 {
		return
	}
	if err := w.store.InsertBulk(ctx, batch); err != nil {
		w.logger.WarnContext(ctx, "tick flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		w.mu.Lock()
		w.buf = append(batch, w.buf...)
		w.mu.Unlock()
		return
	}
	w.logger.DebugContext(ctx, "ticks flushed", slog.Int("count", len(batch)))
}
