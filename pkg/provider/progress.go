package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"onereader/pkg/domain"
)

// DefaultDwell is how long a chapter must stay on screen before it counts as
// the reading position. Flipping past a chapter faster than this records
// nothing.
const DefaultDwell = 5 * time.Second

// ProgressTracker debounces reading-position updates. Each chapter view arms
// a dwell timer; viewing another chapter before it fires discards the
// previous one.
type ProgressTracker struct {
	provider *Provider
	dwell    time.Duration

	mu    sync.Mutex
	seq   uint64
	timer *time.Timer
}

// NewProgressTracker wraps a provider with dwell debouncing. A non-positive
// dwell falls back to DefaultDwell.
func NewProgressTracker(p *Provider, dwell time.Duration) *ProgressTracker {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	return &ProgressTracker{provider: p, dwell: dwell}
}

// OnChapterViewed notes that a chapter is on screen. The position is
// committed only if no other chapter is viewed within the dwell window.
func (t *ProgressTracker) OnChapterViewed(book domain.Book, ch domain.Chapter, promptID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.dwell, func() {
		t.commit(seq, book, ch, promptID)
	})
}

// Stop discards any pending update, for when the reader view closes.
func (t *ProgressTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *ProgressTracker) commit(seq uint64, book domain.Book, ch domain.Chapter, promptID int) {
	t.mu.Lock()
	stale := seq != t.seq
	t.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.provider.UpdateProgress(ctx, book, ch, promptID); err != nil {
		slog.Warn("progress commit failed", "book", book.ID, "chapter", ch.ID, "err", err)
	}
}
