// Package singleflight coalesces concurrent regeneration of the same cache entry.
package singleflight

import (
	"errors"
	"sync"
)

// ErrPanicked is what followers observe when the leader's fn panicked.
var ErrPanicked = errors.New("singleflight: generator panicked")

// Group makes sure fn runs at most once at a time per key K.
// Callers that arrive while a call is in flight wait for its result.
//
// Concurrency notes:
//   - The first caller for a given key becomes the leader and runs fn.
//   - Followers block on c.done. Publishing (val, err) happens-before
//     close(c.done), so reads after <-done observe the final values.
//   - There is no cancellation: generation is synchronous and every
//     follower waits until the leader finishes or fails.
//   - A failed call is not remembered. The next caller after the flight
//     lands starts a fresh one.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
	dups int
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. shared reports
// whether the result was handed to more than one caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		<-c.done
		return c.val, c.err, true
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	// Publish even if fn panics so followers never hang.
	defer func() {
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.err = ErrPanicked
	c.val, c.err = fn()

	g.mu.Lock()
	shared = c.dups > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

// InFlight reports how many keys currently have a running call.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
