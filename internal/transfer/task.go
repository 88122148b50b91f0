package transfer

import (
	"context"
	"sync"
)

// task is one in-flight transfer shared by every waiter for its ID.
type task struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// set before done is closed
	result *Result
	err    error

	// guarded by Manager.mu
	waiters int

	mu          sync.Mutex
	subscribers []func(Progress)
	lastPercent int
}

func newTask(parent context.Context, id string) *task {
	ctx, cancel := context.WithCancelCause(parent)
	return &task{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		lastPercent: -1,
	}
}

func (t *task) subscribe(fn func(Progress)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.subscribers = append(t.subscribers, fn)
	t.mu.Unlock()
}

// report notifies subscribers when the whole-number percentage changes.
func (t *task) report(done, total int64) {
	pct := 100.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}

	t.mu.Lock()
	if int(pct) == t.lastPercent {
		t.mu.Unlock()
		return
	}
	t.lastPercent = int(pct)
	subs := append(([]func(Progress))(nil), t.subscribers...)
	t.mu.Unlock()

	p := Progress{ContentID: t.id, BytesCompleted: done, TotalBytes: total, Percent: pct}
	for _, fn := range subs {
		fn(p)
	}
}
