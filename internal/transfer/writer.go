package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/jukebox-core/internal/checkpoint"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
)

const checkpointWriteTimeout = 5 * time.Second

// checkpointWriter persists progress snapshots off the byte loop. Only the
// newest pending snapshot is kept; older ones are overwritten unwritten.
type checkpointWriter struct {
	store     checkpoint.Store
	contentID string
	logger    *logging.Logger

	mu      sync.Mutex
	pending *checkpoint.Checkpoint

	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newCheckpointWriter(store checkpoint.Store, contentID string, logger *logging.Logger) *checkpointWriter {
	w := &checkpointWriter{
		store:     store,
		contentID: contentID,
		logger:    logger,
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit queues a snapshot without blocking.
func (w *checkpointWriter) Submit(cp checkpoint.Checkpoint) {
	w.mu.Lock()
	w.pending = &cp
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Close writes the last pending snapshot and stops the writer.
func (w *checkpointWriter) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *checkpointWriter) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.signal:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *checkpointWriter) flush() {
	w.mu.Lock()
	cp := w.pending
	w.pending = nil
	w.mu.Unlock()
	if cp == nil {
		return
	}

	// The transfer context may already be cancelled; the snapshot is
	// still worth keeping for the next attempt.
	ctx, cancel := context.WithTimeout(context.Background(), checkpointWriteTimeout)
	defer cancel()
	if err := w.store.Put(ctx, w.contentID, *cp); err != nil {
		w.logger.Warn("checkpoint write failed", "content_id", w.contentID, "error", err)
	}
}
