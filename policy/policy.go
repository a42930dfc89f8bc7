// Package policy defines the contract between the resource cache and its
// eviction policies.
package policy

// Node is the minimal contract a resident cache entry satisfies for a policy.
// Policies only order entries; they never see the materialized values.
type Node interface {
	ID() uint64
}

// Hooks expose O(1) list operations that a policy can use to manipulate
// the cache's intrusive MRU/LRU list of resident entries. Implementations
// are provided by the cache.
//
// Concurrency: all hook calls happen under the cache lock.
// Important: hooks manage only residency order; the cache owns the id->entry
// map and keeps evicted entries (without values) for later regeneration.
type Hooks interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node)
	// PushFront inserts a freshly generated node at MRU.
	PushFront(Node)
	// Remove detaches the node from the list.
	Remove(Node)
	// Back returns the current LRU node (or nil if nothing is resident).
	Back() Node
	// Len returns the number of resident nodes.
	Len() int
}

// Instance is a policy bound to one cache's hooks.
// All methods are invoked under the cache lock.
//
// Semantics:
//   - OnAdd is called when a value has just been generated. It may return an
//     eviction candidate; the cache drops that candidate's value and then
//     calls OnRemove for it.
//   - OnGet is called on every hit and typically promotes the node.
//   - OnRemove notifies that the node lost its value to eviction and may be
//     regenerated later. The cache performs the actual unlinking.
//   - OnDelete notifies that the entry was destroyed by Release or Remove.
//     It may or may not be resident; its id never returns, so the policy
//     forgets everything it knows about it.
type Instance interface {
	OnAdd(Node) (evict Node)
	OnGet(Node)
	OnRemove(Node)
	OnDelete(Node)
}

// Policy is a factory that creates an Instance bound to a cache's hooks.
type Policy interface {
	New(Hooks) Instance
}
