package ehci

import "testing"

func TestQTDPoolRecyclesUpToCap(t *testing.T) {
	pool := newQTDPool(mmapAllocator{}, 2)

	a, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	c, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	a.next, a.prev = a, a
	b.next, b.prev = b, b
	c.next, c.prev = c, c

	pool.putRing(a)
	pool.putRing(b)
	pool.putRing(c) // exceeds cap of 2; c's page must be released, not retained

	if len(pool.free) != 2 {
		t.Errorf("free list length = %d, want 2 (capped)", len(pool.free))
	}
}

func TestQHPoolRecyclesUpToCap(t *testing.T) {
	pool := newQHPool(mmapAllocator{}, 1)

	a, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	pool.put(a)
	pool.put(b)

	if len(pool.free) != 1 {
		t.Errorf("free list length = %d, want 1 (capped)", len(pool.free))
	}
}

func TestQHPoolGetResetsState(t *testing.T) {
	pool := newQHPool(mmapAllocator{}, 4)

	q, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	q.hw.info[0] = 0xdeadbeef
	q.period = 7
	pool.put(q)

	reused, err := pool.get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reused.hw.info[0] != 0 {
		t.Errorf("info[0] = %#x, want 0 after reset", reused.hw.info[0])
	}
	if reused.period != 0 {
		t.Errorf("period = %d, want 0 after reset", reused.period)
	}
}
