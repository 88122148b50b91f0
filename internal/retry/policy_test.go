package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

type statusErr struct{ temporary bool }

func (e statusErr) Error() string   { return "unexpected status" }
func (e statusErr) Retryable() bool { return e.temporary }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"timed out", syscall.ETIMEDOUT, true},
		{"unexpected eof", fmt.Errorf("reading body: %w", io.ErrUnexpectedEOF), true},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout text", errors.New("i/o Timeout while reading"), true},
		{"network text", errors.New("network is unreachable"), true},
		{"temporary status", statusErr{temporary: true}, true},
		{"permanent status", statusErr{temporary: false}, false},
		{"cancelled", context.Canceled, false},
		{"not found", errors.New("file not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestShouldRetry_StopsAfterMaxRetries(t *testing.T) {
	p := New(Config{})
	err := syscall.ECONNRESET

	for i := 0; i < DefaultMaxRetries; i++ {
		if !p.ShouldRetry(err, "song-1") {
			t.Fatalf("ShouldRetry() = false at attempt %d", i)
		}
		p.NextDelay("song-1")
	}

	if p.ShouldRetry(err, "song-1") {
		t.Error("ShouldRetry() = true after max retries")
	}
	if p.ShouldRetry(err, "song-2") == false {
		t.Error("counters must be per operation id")
	}
}

func TestShouldRetry_NonTransient(t *testing.T) {
	p := New(Config{})
	if p.ShouldRetry(errors.New("permission denied"), "song-1") {
		t.Error("ShouldRetry() = true for a non-transient error")
	}
	if p.Attempts("song-1") != 0 {
		t.Error("ShouldRetry must not count attempts")
	}
}

func TestNextDelay(t *testing.T) {
	p := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.NextDelay("op"); got != w {
			t.Errorf("NextDelay() #%d = %v, want %v", i, got, w)
		}
	}
	if p.Attempts("op") != len(want) {
		t.Errorf("Attempts() = %d, want %d", p.Attempts("op"), len(want))
	}
}

func TestReset(t *testing.T) {
	p := New(Config{})
	for i := 0; i < DefaultMaxRetries; i++ {
		p.NextDelay("op")
	}
	p.Reset("op")

	if p.Attempts("op") != 0 {
		t.Errorf("Attempts() = %d after Reset, want 0", p.Attempts("op"))
	}
	if !p.ShouldRetry(syscall.ECONNREFUSED, "op") {
		t.Error("ShouldRetry() = false after Reset")
	}
}

func TestDo(t *testing.T) {
	p := New(Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	calls := 0
	err := p.Do(context.Background(), "connect", func(context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNREFUSED
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if p.Attempts("connect") != 0 {
		t.Error("success should reset the counter")
	}
}

func TestDo_GivesUp(t *testing.T) {
	p := New(Config{MaxRetries: 2, InitialDelay: time.Millisecond})

	calls := 0
	err := p.Do(context.Background(), "connect", func(context.Context) error {
		calls++
		return syscall.ECONNRESET
	})
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("Do() error = %v, want ECONNRESET", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (first try plus 2 retries)", calls)
	}
}

func TestDo_NonTransientReturnsImmediately(t *testing.T) {
	p := New(Config{InitialDelay: time.Millisecond})
	boom := errors.New("bad token")

	calls := 0
	err := p.Do(context.Background(), "connect", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Do() = %v after %d calls, want bad token after 1", err, calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	p := New(Config{InitialDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, "connect", func(context.Context) error { return syscall.ECONNRESET })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}
