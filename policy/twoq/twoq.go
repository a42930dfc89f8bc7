// Package twoq implements a 2Q eviction policy for the resource cache.
//
// In a regenerate-on-miss cache the ghost queue has a direct meaning: it
// remembers entries whose values were dropped from the probation queue.
// When such an entry is regenerated it has proven it is re-read, so it
// skips probation and goes straight to the main queue.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/rastercache/policy"
)

// twoQ implements the 2Q eviction policy.
//
// Resident queues:
//   - A1in (probation): its own list + index by node; admits first generations
//   - Am (main): nodes not present in inIdx; ordering is driven by cache hooks
//
// Ghost A1out: entry ids only, for values recently dropped from A1in.
//
// Concurrency: all methods are called under the cache lock.
type twoQ struct {
	h policy.Hooks

	capIn    int // A1in capacity in entries
	capGhost int // A1out capacity in ids

	// A1in: MRU at Front() -> LRU at Back()
	inList *list.List
	inIdx  map[uint64]*list.Element // id -> element (element.Value is policy.Node)

	// A1out: ids only, MRU at Front() -> LRU at Back()
	ghostList *list.List
	ghostIdx  map[uint64]*list.Element // id -> element (element.Value is uint64)
}

// New constructs a 2Q policy factory.
// Common choices: capIn ≈ 25% of the expected resident entry count,
// capGhost ≈ 50–100% of it.
func New(capIn, capGhost int) policy.Policy {
	if capIn < 1 {
		capIn = 1
	}
	if capGhost < 1 {
		capGhost = 1
	}
	return twoQPolicy{capIn: capIn, capGhost: capGhost}
}

type twoQPolicy struct {
	capIn    int
	capGhost int
}

func (p twoQPolicy) New(h policy.Hooks) policy.Instance {
	return &twoQ{
		h:         h,
		capIn:     p.capIn,
		capGhost:  p.capGhost,
		inList:    list.New(),
		inIdx:     make(map[uint64]*list.Element),
		ghostList: list.New(),
		ghostIdx:  make(map[uint64]*list.Element),
	}
}

// OnAdd admission rules:
//   - A regenerated entry whose id is in A1out bypasses A1in and enters Am.
//   - Otherwise it enters A1in (and MRU of the cache list).
//   - If A1in overflows, its LRU is returned to the cache for eviction.
func (q *twoQ) OnAdd(n policy.Node) (evict policy.Node) {
	id := n.ID()
	if ge, ok := q.ghostIdx[id]; ok {
		q.ghostList.Remove(ge)
		delete(q.ghostIdx, id)
		q.h.PushFront(n)
		return nil
	}

	q.h.PushFront(n)
	q.inIdx[id] = q.inList.PushFront(n)

	if q.inList.Len() > q.capIn {
		if lruEl := q.inList.Back(); lruEl != nil {
			return lruEl.Value.(policy.Node)
		}
	}
	return nil
}

// OnGet promotes a probation entry to Am and moves it to MRU.
func (q *twoQ) OnGet(n policy.Node) {
	if el, ok := q.inIdx[n.ID()]; ok {
		q.inList.Remove(el)
		delete(q.inIdx, n.ID())
	}
	q.h.MoveToFront(n)
}

// OnRemove records ids dropped from A1in as ghosts (bounded by capGhost).
// Values dropped from Am leave no ghost.
func (q *twoQ) OnRemove(n policy.Node) {
	id := n.ID()
	el, ok := q.inIdx[id]
	if !ok {
		return
	}
	q.inList.Remove(el)
	delete(q.inIdx, id)

	if old := q.ghostIdx[id]; old != nil {
		q.ghostList.Remove(old)
	}
	q.ghostIdx[id] = q.ghostList.PushFront(id)

	for q.ghostList.Len() > q.capGhost {
		tail := q.ghostList.Back()
		if tail == nil {
			break
		}
		delete(q.ghostIdx, tail.Value.(uint64))
		q.ghostList.Remove(tail)
	}
}

// OnDelete forgets a destroyed entry. It leaves no ghost, and any ghost
// recorded by an earlier eviction is dropped.
func (q *twoQ) OnDelete(n policy.Node) {
	id := n.ID()
	if el, ok := q.inIdx[id]; ok {
		q.inList.Remove(el)
		delete(q.inIdx, id)
	}
	if ge, ok := q.ghostIdx[id]; ok {
		q.ghostList.Remove(ge)
		delete(q.ghostIdx, id)
	}
}
