package singleflight

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_CoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var g Group[uint64, string]
	var calls atomic.Int64
	release := make(chan struct{})

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err, _ := g.Do(7, func() (string, error) {
				calls.Add(1)
				<-release
				return "block", nil
			})
			if err != nil {
				t.Errorf("Do error: %v", err)
			}
			results[i] = v
		}(i)
	}

	// Give followers time to pile up behind the leader.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn must run once while in flight, ran %d times", got)
	}
	for i, v := range results {
		if v != "block" {
			t.Fatalf("result %d = %q", i, v)
		}
	}
	if g.InFlight() != 0 {
		t.Fatal("no call must remain in flight")
	}
}

func TestGroup_ErrorIsNotRemembered(t *testing.T) {
	t.Parallel()

	var g Group[int, int]
	boom := errors.New("boom")

	if _, err, _ := g.Do(1, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	v, err, shared := g.Do(1, func() (int, error) { return 42, nil })
	if err != nil || v != 42 || shared {
		t.Fatalf("second call: v=%d err=%v shared=%v", v, err, shared)
	}
}
