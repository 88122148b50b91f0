// Package throttle limits download throughput with a token bucket.
//
// Tokens are bytes. Refill is computed lazily from elapsed time whenever a
// consumer checks the bucket; there is no background timer. Waiting
// consumers are admitted strictly in arrival order.
package throttle

import (
	"context"
	"sync"
	"time"
)

// pollInterval caps how long a waiting consumer sleeps before re-checking.
const pollInterval = 50 * time.Millisecond

// Bucket is a FIFO token bucket. Capacity and fill rate are both the
// configured bytes per second. The zero value is not usable; call New.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64
	tokens     float64
	lastRefill time.Time
	paused     bool

	// queue holds waiting tickets in arrival order; only the head may take tokens.
	queue      []uint64
	nextTicket uint64

	now func() time.Time
}

// New returns a full bucket limited to maxBytesPerSec. A value <= 0
// disables limiting.
func New(maxBytesPerSec int64) *Bucket {
	b := &Bucket{now: time.Now}
	b.lastRefill = b.now()
	b.setRate(maxBytesPerSec)
	b.tokens = b.capacity
	return b
}

func (b *Bucket) setRate(bps int64) {
	if bps <= 0 {
		b.capacity, b.fillRate = 0, 0
		return
	}
	b.capacity = float64(bps)
	b.fillRate = float64(bps)
}

func (b *Bucket) unlimited() bool {
	return b.fillRate == 0
}

// refill adds tokens for time elapsed since the last refill. Caller holds mu.
func (b *Bucket) refill() {
	now := b.now()
	if !b.paused && !b.unlimited() {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * b.fillRate
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
		}
	}
	b.lastRefill = now
}

// Consume blocks until n tokens are available and takes them, or until ctx
// is done. A request larger than capacity can never be covered by a capped
// bucket, so it is admitted once the balance is positive and leaves the
// bucket in debt; later consumers wait for the debt to be repaid.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	b.mu.Lock()
	if b.unlimited() {
		b.mu.Unlock()
		return nil
	}
	ticket := b.nextTicket
	b.nextTicket++
	b.queue = append(b.queue, ticket)
	b.mu.Unlock()

	need := float64(n)
	for {
		b.mu.Lock()
		if b.unlimited() {
			b.dequeue(ticket)
			b.mu.Unlock()
			return nil
		}

		b.refill()
		var wait time.Duration
		if b.queue[0] == ticket {
			if b.admissible(need) {
				b.tokens -= need
				b.queue = b.queue[1:]
				b.mu.Unlock()
				return nil
			}
			wait = b.waitFor(need)
		} else {
			wait = pollInterval
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.mu.Lock()
			b.dequeue(ticket)
			b.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *Bucket) admissible(need float64) bool {
	if need > b.capacity {
		return b.tokens > 0
	}
	return b.tokens >= need
}

// waitFor estimates the time until need becomes admissible, capped at
// pollInterval so pause/resume and rate changes are noticed promptly.
func (b *Bucket) waitFor(need float64) time.Duration {
	if b.paused {
		return pollInterval
	}

	target := need
	if need > b.capacity {
		// Any positive balance will do.
		target = 0
	}
	deficit := target - b.tokens
	wait := time.Duration(deficit / b.fillRate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	if wait > pollInterval {
		wait = pollInterval
	}
	return wait
}

func (b *Bucket) dequeue(ticket uint64) {
	for i, t := range b.queue {
		if t == ticket {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// Pause freezes refill. Tokens already in the bucket are kept.
func (b *Bucket) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.paused = true
}

// Resume restarts refill from now; paused time does not earn tokens.
func (b *Bucket) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.lastRefill = b.now()
}

// Paused reports whether refill is frozen.
func (b *Bucket) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// SetMaxSpeed changes capacity and fill rate for future refills. Tokens
// earned so far are kept, clamped to the new capacity. Queued consumers
// keep their original request sizes.
func (b *Bucket) SetMaxSpeed(bytesPerSec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	wasUnlimited := b.unlimited()
	b.setRate(bytesPerSec)
	if wasUnlimited {
		b.tokens = b.capacity
	}
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// MaxSpeed returns the configured bytes per second, 0 when unlimited.
func (b *Bucket) MaxSpeed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.fillRate)
}

// Available returns the current token balance after refill. It is negative
// while the bucket is in debt.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Waiting returns the number of queued consumers.
func (b *Bucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
