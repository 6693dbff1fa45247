// Package timeout provides an adaptive await: poll something until it finishes,
// extend the deadline while it keeps reporting progress, and give up at a hard cap.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the deadline passes before the poll reports done.
var ErrTimeout = errors.New("timed out")

// State is what one poll observed.
type State int

const (
	Pending  State = iota // Nothing new
	Progress              // Still running, but made progress; may extend the deadline
	Done                  // Finished
)

// PollFunc checks once. A non-nil error aborts the await.
type PollFunc[T any] func(ctx context.Context) (T, State, error)

// Config controls the deadline and poll cadence.
type Config struct {
	Timeout      time.Duration `json:"timeout"`       // Base deadline from start
	MaxTimeout   time.Duration `json:"max_timeout"`   // Hard cap; 0 disables extension
	Extension    time.Duration `json:"extension"`     // Deadline pushed to now+Extension on progress
	PollInterval time.Duration `json:"poll_interval"` // First poll delay
	MaxPoll      time.Duration `json:"max_poll"`      // Poll delay ceiling
}

// DefaultConfig returns a config for a base timeout.
func DefaultConfig(base time.Duration) Config {
	return Config{
		Timeout:      base,
		MaxTimeout:   2 * base,
		Extension:    base / 4,
		PollInterval: 100 * time.Millisecond,
		MaxPoll:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxPoll < c.PollInterval {
		c.MaxPoll = c.PollInterval
	}
	if c.MaxTimeout < c.Timeout {
		c.MaxTimeout = c.Timeout
	}
	return c
}

// TimeoutError reports how long the await ran and whether it was extended.
type TimeoutError struct {
	Elapsed  time.Duration
	Extended bool
}

func (e *TimeoutError) Error() string {
	if e.Extended {
		return fmt.Sprintf("timed out after %s (deadline extended on progress)", e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("timed out after %s", e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Await polls until poll reports Done, poll fails, the deadline passes or ctx
// is cancelled. onProgress, if set, sees every Progress value.
// A zero Timeout waits until ctx ends.
func Await[T any](ctx context.Context, cfg Config, poll PollFunc[T], onProgress func(T)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T

	start := time.Now()
	var deadline, hardCap time.Time
	if cfg.Timeout > 0 {
		deadline = start.Add(cfg.Timeout)
		hardCap = start.Add(cfg.MaxTimeout)
	}
	extended := false

	interval := backoff.NewExponentialBackOff()
	interval.InitialInterval = cfg.PollInterval
	interval.MaxInterval = cfg.MaxPoll
	interval.MaxElapsedTime = 0 // Never stop; the deadline bounds the loop
	interval.Reset()

	poller := time.NewTimer(0)
	defer poller.Stop()

	// A nil channel never fires, so a zero Timeout waits on ctx alone
	var expired <-chan time.Time
	var dl *time.Timer
	if !deadline.IsZero() {
		dl = time.NewTimer(cfg.Timeout)
		defer dl.Stop()
		expired = dl.C
	}

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-expired:
			return zero, &TimeoutError{Elapsed: time.Since(start), Extended: extended}
		case <-poller.C:
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return zero, &TimeoutError{Elapsed: time.Since(start), Extended: extended}
		}

		v, state, err := poll(ctx)
		if err != nil {
			return zero, err
		}

		switch state {
		case Done:
			return v, nil
		case Progress:
			if onProgress != nil {
				onProgress(v)
			}
			if dl != nil && cfg.Extension > 0 {
				next := time.Now().Add(cfg.Extension)
				if next.After(hardCap) {
					next = hardCap
				}
				if next.After(deadline) {
					deadline = next
					extended = true
					dl.Reset(time.Until(next))
				}
			}
			interval.Reset()
		}
		poller.Reset(interval.NextBackOff())
	}
}

// Future is an Await running in the background.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	value  T
	err    error
}

// Start runs Await in a goroutine. Cancel or the parent ctx interrupts it.
func Start[T any](ctx context.Context, cfg Config, poll PollFunc[T], onProgress func(T)) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		f.value, f.err = Await(ctx, cfg, poll, onProgress)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for the result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Cancel interrupts the await; Wait then returns context.Canceled.
func (f *Future[T]) Cancel() {
	f.once.Do(f.cancel)
}
