package cache

import "github.com/IvanBrykalov/rastercache/policy"

// -------------------- recency list (mu held) --------------------

// insertFront inserts e at MRU in O(1) and charges its cost.
func (c *Cache[V]) insertFront(e *entry[V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
	c.len++
	c.cost += e.cost
}

// moveToFront promotes e to MRU in O(1).
func (c *Cache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlink removes e from the list and releases its cost in O(1).
func (c *Cache[V]) unlink(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.head == e {
		c.head = e.next
	}
	if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
	c.len--
	c.cost -= e.cost
	if c.cost < 0 {
		c.cost = 0
	}
}

// back returns the current LRU entry in O(1).
func (c *Cache[V]) back() *entry[V] { return c.tail }

// -------------------- policy hooks --------------------

// cacheHooks adapts the cache's list operations to policy.Hooks.
type cacheHooks[V any] struct{ c *Cache[V] }

func (h cacheHooks[V]) MoveToFront(x policy.Node) { h.c.moveToFront(x.(*entry[V])) }
func (h cacheHooks[V]) PushFront(x policy.Node)   { h.c.insertFront(x.(*entry[V])) }
func (h cacheHooks[V]) Remove(x policy.Node) {
	// Residency flags are owned by the cache; hooks only touch the list.
	h.c.unlink(x.(*entry[V]))
}
func (h cacheHooks[V]) Back() policy.Node {
	if t := h.c.back(); t != nil {
		return t
	}
	return nil
}
func (h cacheHooks[V]) Len() int { return h.c.len }
