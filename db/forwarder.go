package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/recent-messages/telemetry"
)

// Forwarder mirrors in-memory appends to the message table in batches. It
// decouples the IRC ingestion path from database latency: Enqueue never
// blocks, and a full queue drops rows from persistence only.
type Forwarder struct {
	store    messageAppender
	queue    chan StoredMessage
	runEvery time.Duration
	maxChunk int
}

type messageAppender interface {
	AppendMessages(ctx context.Context, batch []StoredMessage) error
}

// NewForwarder returns a forwarder flushing at most maxChunk rows every
// runEvery interval.
func NewForwarder(store messageAppender, runEvery time.Duration, maxChunk int) *Forwarder {
	if maxChunk <= 0 {
		maxChunk = 256
	}
	if runEvery <= 0 {
		runEvery = 100 * time.Millisecond
	}
	return &Forwarder{
		store:    store,
		queue:    make(chan StoredMessage, 10*maxChunk),
		runEvery: runEvery,
		maxChunk: maxChunk,
	}
}

// Enqueue queues one row for persistence. Drops the row if the queue is full.
func (f *Forwarder) Enqueue(m StoredMessage) {
	select {
	case f.queue <- m:
	default:
		slog.Warn("persistence queue full, dropping message", slog.String("channel", m.ChannelLogin))
	}
}

// Run flushes queued rows until ctx is cancelled. A final flush drains
// whatever is still queued at shutdown.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.runEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for f.flush(drain) > 0 {
			}
			return nil
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

// flush forwards up to one chunk and reports how many rows it took off the
// queue.
func (f *Forwarder) flush(ctx context.Context) int {
	chunk := make([]StoredMessage, 0, f.maxChunk)
	for len(chunk) < f.maxChunk {
		select {
		case m := <-f.queue:
			chunk = append(chunk, m)
		default:
			goto drained
		}
	}
drained:
	if len(chunk) == 0 {
		return 0
	}
	start := time.Now()
	err := f.store.AppendMessages(ctx, chunk)
	telemetry.ObserveStoreChunk(len(chunk), time.Since(start), err)
	if err != nil {
		slog.Error("failed to append message chunk to storage", slog.Int("size", len(chunk)), slog.Any("err", err))
	}
	return len(chunk)
}
