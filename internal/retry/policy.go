// Package retry decides whether a failed network operation should be
// retried and how long to back off before the next attempt.
//
// Attempt counters are kept per operation id in memory only; a restarted
// process starts every operation from zero.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Defaults used when a Config field is zero.
const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Config tunes a Policy.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Policy tracks attempts per operation id. It is safe for concurrent use.
type Policy struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// New returns a Policy, filling zero Config fields with defaults.
func New(cfg Config) *Policy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Policy{
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		attempts:     make(map[string]int),
	}
}

// ShouldRetry reports whether opID may be retried after err: attempts are
// below the limit and the error is transient.
func (p *Policy) ShouldRetry(err error, opID string) bool {
	if err == nil {
		return false
	}
	p.mu.Lock()
	n := p.attempts[opID]
	p.mu.Unlock()

	if n >= p.maxRetries {
		return false
	}
	return IsTransient(err)
}

// NextDelay returns min(initialDelay * 2^attempts, maxDelay) for opID and
// then counts the attempt.
func (p *Policy) NextDelay(opID string) time.Duration {
	p.mu.Lock()
	n := p.attempts[opID]
	p.attempts[opID] = n + 1
	p.mu.Unlock()

	delay := p.initialDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// Attempts returns the number of counted attempts for opID.
func (p *Policy) Attempts(opID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[opID]
}

// Reset clears the counter for opID.
func (p *Policy) Reset(opID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, opID)
}

// MaxRetries returns the attempt limit.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Do runs fn until it succeeds, returns a non-retryable error, or ctx is
// done. The counter for opID is reset on success.
func (p *Policy) Do(ctx context.Context, opID string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			p.Reset(opID)
			return nil
		}
		if !p.ShouldRetry(err, opID) {
			return err
		}

		timer := time.NewTimer(p.NextDelay(opID))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Retryable is implemented by errors that know whether they are worth
// retrying, such as HTTP status errors.
type Retryable interface {
	Retryable() bool
}

// IsTransient reports whether err looks like a network hiccup: connection
// reset or refused, a timeout, an unexpected EOF, or an error whose text
// mentions "timeout" or "network".
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "network")
}
