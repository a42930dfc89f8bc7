// Package lru implements the strict LRU eviction policy used by default.
package lru

import "github.com/IvanBrykalov/rastercache/policy"

// lru is a classic "move-to-front" Least-Recently-Used policy.
// Newly generated values enter at MRU, so ties in access time are broken
// by generation order.
type lru struct {
	h policy.Hooks
}

type lruPolicy struct{}

// New returns a Policy factory that constructs LRU instances.
func New() policy.Policy { return lruPolicy{} }

// New implements policy.Policy.
func (lruPolicy) New(h policy.Hooks) policy.Instance {
	return &lru{h: h}
}

// OnAdd places the new value at MRU. The cache trims the LRU tail to fit
// the cost budget before calling OnAdd, so LRU never proposes evictions.
func (p *lru) OnAdd(n policy.Node) (evict policy.Node) {
	p.h.PushFront(n)
	return nil
}

// OnGet promotes the entry to MRU.
func (p *lru) OnGet(n policy.Node) { p.h.MoveToFront(n) }

// OnRemove is a no-op for pure LRU.
func (p *lru) OnRemove(policy.Node) {}

// OnDelete is a no-op for pure LRU; it keeps no per-entry state.
func (p *lru) OnDelete(policy.Node) {}
