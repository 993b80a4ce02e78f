// Package chunk groups items arriving on a channel into ordered batches.
//
// Every policy runs in a single goroutine that owns the pending buffer. Items
// and timer ticks reach that goroutine through one select loop, so the buffer
// is never shared. Order is preserved within and across batches, and no item
// is dropped unless the context is cancelled, in which case anything still
// buffered is discarded.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned when a policy is constructed with a
// non-positive size or interval.
var ErrInvalidPolicy = errors.New("chunk: invalid policy")

type kind int

const (
	kindNatural kind = iota
	kindByTime
	kindBySize
	kindByTimeOrSize
)

// Policy decides when a batch is emitted.
type Policy struct {
	kind     kind
	maxSize  int
	interval time.Duration
}

// Natural emits as soon as the consumer is ready to receive. While the
// consumer is busy, items accumulate up to maxSize; after that the source is
// not read until a batch is taken.
func Natural(maxSize int) (Policy, error) {
	if maxSize <= 0 {
		return Policy{}, fmt.Errorf("%w: max size %d", ErrInvalidPolicy, maxSize)
	}
	return Policy{kind: kindNatural, maxSize: maxSize}, nil
}

// ByTime buffers arrivals and flushes up to maxSize items on every tick of a
// fixed interval. When the source closes, the remainder is flushed at once.
func ByTime(interval time.Duration, maxSize int) (Policy, error) {
	if interval <= 0 {
		return Policy{}, fmt.Errorf("%w: interval %s", ErrInvalidPolicy, interval)
	}
	if maxSize <= 0 {
		return Policy{}, fmt.Errorf("%w: max size %d", ErrInvalidPolicy, maxSize)
	}
	return Policy{kind: kindByTime, maxSize: maxSize, interval: interval}, nil
}

// BySize emits exactly every size items and flushes the remainder when the
// source closes.
func BySize(size int) (Policy, error) {
	if size <= 0 {
		return Policy{}, fmt.Errorf("%w: size %d", ErrInvalidPolicy, size)
	}
	return Policy{kind: kindBySize, maxSize: size}, nil
}

// ByTimeOrSize emits when the interval elapses or the buffer reaches maxSize,
// whichever happens first. The interval restarts after every emission.
func ByTimeOrSize(interval time.Duration, maxSize int) (Policy, error) {
	if interval <= 0 {
		return Policy{}, fmt.Errorf("%w: interval %s", ErrInvalidPolicy, interval)
	}
	if maxSize <= 0 {
		return Policy{}, fmt.Errorf("%w: max size %d", ErrInvalidPolicy, maxSize)
	}
	return Policy{kind: kindByTimeOrSize, maxSize: maxSize, interval: interval}, nil
}

// MaxSize is the largest batch the policy emits.
func (p Policy) MaxSize() int {
	return p.maxSize
}

func (p Policy) String() string {
	switch p.kind {
	case kindNatural:
		return fmt.Sprintf("natural(max=%d)", p.maxSize)
	case kindByTime:
		return fmt.Sprintf("by_time(%s, max=%d)", p.interval, p.maxSize)
	case kindBySize:
		return fmt.Sprintf("by_size(%d)", p.maxSize)
	case kindByTimeOrSize:
		return fmt.Sprintf("by_time_or_size(%s, max=%d)", p.interval, p.maxSize)
	default:
		return "invalid"
	}
}

// Chunk reads source and emits batches according to policy. The returned
// channel is closed after source closes and the final batch is delivered, or
// as soon as ctx is cancelled.
func Chunk[T any](ctx context.Context, source <-chan T, policy Policy) <-chan []T {
	out := make(chan []T)
	go func() {
		defer close(out)
		switch policy.kind {
		case kindNatural:
			natural(ctx, source, out, policy.maxSize)
		case kindByTime:
			byTime(ctx, source, out, policy.interval, policy.maxSize)
		case kindBySize:
			bySize(ctx, source, out, policy.maxSize)
		case kindByTimeOrSize:
			byTimeOrSize(ctx, source, out, policy.interval, policy.maxSize)
		}
	}()
	return out
}

func emit[T any](ctx context.Context, out chan<- []T, batch []T) bool {
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

// take splits off at most n items from the head of buf.
func take[T any](buf []T, n int) (head, rest []T) {
	if len(buf) <= n {
		return buf, nil
	}
	head = append([]T(nil), buf[:n]...)
	rest = append(make([]T, 0, cap(buf)), buf[n:]...)
	return head, rest
}

// flushAll emits the remaining buffer in batches of at most maxSize.
func flushAll[T any](ctx context.Context, out chan<- []T, buf []T, maxSize int) {
	for len(buf) > 0 {
		var head []T
		head, buf = take(buf, maxSize)
		if !emit(ctx, out, head) {
			return
		}
	}
}

func natural[T any](ctx context.Context, source <-chan T, out chan<- []T, maxSize int) {
	var buf []T
	for {
		in := source
		if len(buf) >= maxSize {
			in = nil
		}
		var ready chan<- []T
		if len(buf) > 0 {
			ready = out
		}

		select {
		case <-ctx.Done():
			return
		case item, ok := <-in:
			if !ok {
				flushAll(ctx, out, buf, maxSize)
				return
			}
			buf = append(buf, item)
		case ready <- buf:
			buf = nil
		}
	}
}

func byTime[T any](ctx context.Context, source <-chan T, out chan<- []T, interval time.Duration, maxSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var buf []T
	for {
		in := source
		if len(buf) >= maxSize {
			in = nil
		}

		select {
		case <-ctx.Done():
			return
		case item, ok := <-in:
			if !ok {
				flushAll(ctx, out, buf, maxSize)
				return
			}
			buf = append(buf, item)
		case <-ticker.C:
			if len(buf) == 0 {
				continue
			}
			var head []T
			head, buf = take(buf, maxSize)
			if !emit(ctx, out, head) {
				return
			}
		}
	}
}

func bySize[T any](ctx context.Context, source <-chan T, out chan<- []T, size int) {
	buf := make([]T, 0, size)
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-source:
			if !ok {
				if len(buf) > 0 {
					emit(ctx, out, buf)
				}
				return
			}
			buf = append(buf, item)
			if len(buf) == size {
				if !emit(ctx, out, buf) {
					return
				}
				buf = make([]T, 0, size)
			}
		}
	}
}

func byTimeOrSize[T any](ctx context.Context, source <-chan T, out chan<- []T, interval time.Duration, maxSize int) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var buf []T
	restart := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-source:
			if !ok {
				flushAll(ctx, out, buf, maxSize)
				return
			}
			buf = append(buf, item)
			if len(buf) < maxSize {
				continue
			}
			if !emit(ctx, out, buf) {
				return
			}
			buf = nil
			restart()
		case <-timer.C:
			if len(buf) > 0 {
				if !emit(ctx, out, buf) {
					return
				}
				buf = nil
			}
			timer.Reset(interval)
		}
	}
}
