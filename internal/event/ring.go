package event

import "sync/atomic"

// Ring is a bounded channel with drop-oldest overflow semantics.
//
// Producers never block: when the buffer is full, Send discards the
// oldest element to make room, so a slow consumer sees the freshest
// data rather than stalling the producer. Consumers range over C() like
// a normal channel.
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("event: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (r *Ring[T]) C() <-chan T { return r.ch }

// Send inserts v, discarding the oldest buffered element if the ring is
// full. It never blocks indefinitely.
func (r *Ring[T]) Send(v T) {
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.ch <- v:
		default:
			// Lost the race to another producer; count v as dropped.
			r.dropped.Add(1)
		}
	}
}

// TrySend inserts v only if there is room.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		return true
	default:
		return false
	}
}

// Dropped returns how many elements were discarded under backpressure.
func (r *Ring[T]) Dropped() int64 { return r.dropped.Load() }

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the ring. Sending after Close panics, as with any
// channel.
func (r *Ring[T]) Close() { close(r.ch) }
