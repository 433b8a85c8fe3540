package concurrency

import "testing"

func TestFreeListReusesBuffers(t *testing.T) {
	f := NewFreeList(64, 2)

	buf := f.Get()
	if len(buf) != 64 {
		t.Fatalf("Get() len = %d, want 64", len(buf))
	}
	buf[0] = 0xAB
	f.Put(buf)

	reused := f.Get()
	if len(reused) != 64 {
		t.Fatalf("Get() after Put len = %d, want 64", len(reused))
	}
	if reused[0] != 0xAB {
		t.Fatal("Get() after Put did not return the previously cached buffer")
	}
}

func TestFreeListDropsBuffersPastCapacity(t *testing.T) {
	f := NewFreeList(32, 1)
	f.Put(make([]byte, 32))
	f.Put(make([]byte, 32)) // dropped: cache already at capacity 1

	if len(f.free) != 1 {
		t.Fatalf("cached buffers = %d, want 1", len(f.free))
	}
}

func TestFreeListIgnoresWrongSizedBuffer(t *testing.T) {
	f := NewFreeList(16, 4)
	f.Put(make([]byte, 8))
	if len(f.free) != 0 {
		t.Fatalf("a wrong-sized buffer should never be cached, got %d cached", len(f.free))
	}
}

func TestFreeListAllocatesWhenEmpty(t *testing.T) {
	f := NewFreeList(8, 0)
	buf := f.Get()
	if len(buf) != 8 {
		t.Fatalf("Get() len = %d, want 8", len(buf))
	}
}
