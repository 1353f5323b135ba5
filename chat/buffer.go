package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/telemetry"
)

// DefaultBatchSize is the number of comments written per transaction.
const DefaultBatchSize = 2500

// CommentStore is the record-store surface the buffer writes through.
type CommentStore interface {
	CommentExists(ctx context.Context, id string) (bool, error)
	InsertComments(ctx context.Context, comments []db.Comment) error
}

// Buffer collects new comments and writes them in batches. A comment is skipped when its
// id is already stored or already buffered. It is safe for concurrent use.
type Buffer struct {
	store CommentStore
	size  int

	mu      sync.Mutex
	pending []db.Comment
	ids     map[string]struct{}
	stored  int
	skipped int
	// retryAt holds back automatic flushes after a failure until the buffer has doubled.
	retryAt int
}

// NewBuffer returns a buffer that flushes every size comments.
func NewBuffer(store CommentStore, size int) *Buffer {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Buffer{store: store, size: size, ids: make(map[string]struct{})}
}

// Add buffers c unless it is a duplicate and flushes when the buffer is full. It reports
// whether c was accepted. A failed flush keeps the comments buffered; Add tries again only
// once the buffer has doubled, while Flush always tries.
func (b *Buffer) Add(ctx context.Context, c db.Comment) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.ID == "" {
		return false, nil
	}
	if _, ok := b.ids[c.ID]; ok {
		b.skip()
		return false, nil
	}
	exists, err := b.store.CommentExists(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("comment exists %s: %w", c.ID, err)
	}
	if exists {
		b.skip()
		return false, nil
	}
	b.pending = append(b.pending, c)
	b.ids[c.ID] = struct{}{}
	if len(b.pending) >= b.size && len(b.pending) >= b.retryAt {
		return true, b.flushLocked(ctx)
	}
	return true, nil
}

// Flush writes every buffered comment.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Len returns the number of buffered comments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stored returns how many comments this buffer has written.
func (b *Buffer) Stored() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stored
}

// Skipped returns how many duplicates this buffer has dropped.
func (b *Buffer) Skipped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}

func (b *Buffer) skip() {
	b.skipped++
	telemetry.AddComments(0, 1)
}

// flushLocked inserts the pending batch. When the insert fails, comments another writer
// stored in the meantime are dropped and the rest is retried once.
func (b *Buffer) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	err := b.store.InsertComments(ctx, b.pending)
	if err != nil {
		telemetry.FlushFailed()
		if b.prune(ctx) == 0 {
			b.retryAt = 2 * len(b.pending)
			return fmt.Errorf("flush %d comments: %w", len(b.pending), err)
		}
		if len(b.pending) == 0 {
			b.retryAt = 0
			return nil
		}
		if err = b.store.InsertComments(ctx, b.pending); err != nil {
			telemetry.FlushFailed()
			b.retryAt = 2 * len(b.pending)
			return fmt.Errorf("flush %d comments: %w", len(b.pending), err)
		}
	}
	b.retryAt = 0
	n := len(b.pending)
	b.stored += n
	telemetry.AddComments(n, 0)
	slog.Debug("comments flushed", slog.String("vod_id", b.pending[0].VODID), slog.Int("count", n))
	b.pending = nil
	b.ids = make(map[string]struct{})
	return nil
}

// prune removes pending comments whose ids are now in the store and returns how many it removed.
func (b *Buffer) prune(ctx context.Context) int {
	kept := b.pending[:0]
	removed := 0
	for _, c := range b.pending {
		exists, err := b.store.CommentExists(ctx, c.ID)
		if err == nil && exists {
			delete(b.ids, c.ID)
			removed++
			b.skip()
			continue
		}
		kept = append(kept, c)
	}
	b.pending = kept
	return removed
}
