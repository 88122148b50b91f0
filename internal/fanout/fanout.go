// Package fanout delivers one logical operation to many independent targets
// and reports the outcome per target.
//
// A failing target never aborts the others. Callers inspect the returned
// Results to count successes or to retry only the failed subset.
package fanout

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrNotDelivered marks a target whose connection did not accept the message.
var ErrNotDelivered = errors.New("fanout: not delivered")

// Result is the outcome for one target. Err is nil on success.
type Result struct {
	Target string `json:"target"`
	Err    error  `json:"-"`
}

// OK reports whether the target succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Results is an ordered set of per-target outcomes.
type Results []Result

// Targeted returns the number of addressed targets.
func (rs Results) Targeted() int { return len(rs) }

// Succeeded returns the number of targets that succeeded.
func (rs Results) Succeeded() int {
	n := 0
	for _, r := range rs {
		if r.OK() {
			n++
		}
	}
	return n
}

// Failed returns the targets that did not succeed, in order.
func (rs Results) Failed() []string {
	var out []string
	for _, r := range rs {
		if !r.OK() {
			out = append(out, r.Target)
		}
	}
	return out
}

// Delivered returns the targets that succeeded, in order.
func (rs Results) Delivered() []string {
	var out []string
	for _, r := range rs {
		if r.OK() {
			out = append(out, r.Target)
		}
	}
	return out
}

// Errors maps each failed target to its error message.
func (rs Results) Errors() map[string]string {
	out := make(map[string]string)
	for _, r := range rs {
		if r.Err != nil {
			out[r.Target] = r.Err.Error()
		}
	}
	return out
}

// Summary is the JSON-friendly form of Results.
type Summary struct {
	Targeted  int               `json:"targeted"`
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Summary condenses the results.
func (rs Results) Summary() Summary {
	s := Summary{Targeted: rs.Targeted(), Succeeded: rs.Succeeded()}
	if errs := rs.Errors(); len(errs) > 0 {
		s.Failed = errs
	}
	return s
}

// Run calls fn for every target with at most limit calls in flight
// (limit <= 0 means unbounded) and returns one Result per target in input
// order. Targets not yet started when ctx is cancelled get ctx.Err().
func Run(ctx context.Context, targets []string, limit int, fn func(ctx context.Context, target string) error) Results {
	results := make(Results, len(targets))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, target := range targets {
		results[i].Target = target
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		i, target := i, target
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Err = fn(ctx, target)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // fn errors are recorded per target
	return results
}

// FromBool adapts a bool-returning send to Run.
func FromBool(send func(target string) bool) func(ctx context.Context, target string) error {
	return func(_ context.Context, target string) error {
		if !send(target) {
			return ErrNotDelivered
		}
		return nil
	}
}
