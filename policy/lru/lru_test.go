package lru

import (
	"testing"

	"github.com/IvanBrykalov/rastercache/policy"
)

// --- test doubles ---

type testNode struct{ id uint64 }

func (n *testNode) ID() uint64 { return n.id }

type mockHooks struct {
	pushFrontCnt   int
	moveToFrontCnt int
	removeCnt      int

	lastPush policy.Node
	lastMove policy.Node
}

func (h *mockHooks) MoveToFront(n policy.Node) { h.moveToFrontCnt++; h.lastMove = n }
func (h *mockHooks) PushFront(n policy.Node)   { h.pushFrontCnt++; h.lastPush = n }
func (h *mockHooks) Remove(policy.Node)        { h.removeCnt++ }
func (h *mockHooks) Back() policy.Node         { return nil }
func (h *mockHooks) Len() int                  { return 0 }

// OnAdd should push the freshly generated entry to MRU and never propose an eviction.
func TestLRU_OnAdd_PushFrontAndNoEvict(t *testing.T) {
	t.Parallel()

	h := &mockHooks{}
	p := New().New(h)

	n := &testNode{id: 1}
	if ev := p.OnAdd(n); ev != nil {
		t.Fatalf("OnAdd must not return evict candidate for LRU, got %v", ev)
	}
	if h.pushFrontCnt != 1 || h.lastPush != n {
		t.Fatalf("OnAdd must call PushFront exactly once with the node")
	}
	if h.moveToFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnAdd must not call MoveToFront/Remove")
	}
}

// A hit promotes the entry to MRU.
func TestLRU_OnGet_MoveToFront(t *testing.T) {
	t.Parallel()

	h := &mockHooks{}
	p := New().New(h)

	n := &testNode{id: 2}
	p.OnGet(n)

	if h.moveToFrontCnt != 1 || h.lastMove != n {
		t.Fatalf("OnGet must call MoveToFront exactly once with the node")
	}
	if h.pushFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnGet must not call PushFront/Remove")
	}
}

// Losing a value leaves no policy state behind.
func TestLRU_OnRemove_NoOp(t *testing.T) {
	t.Parallel()

	h := &mockHooks{}
	p := New().New(h)

	p.OnRemove(&testNode{id: 3})

	if h.pushFrontCnt != 0 || h.moveToFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnRemove for LRU must be no-op (no hooks should be called)")
	}
}

func TestLRU_OnDelete_NoOp(t *testing.T) {
	t.Parallel()

	h := &mockHooks{}
	New().New(h).OnDelete(&testNode{id: 5})

	if h.pushFrontCnt != 0 || h.moveToFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnDelete for LRU must be no-op (no hooks should be called)")
	}
}
