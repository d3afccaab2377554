package chunkqueue

import (
	"bytes"
	"sync"
	"testing"
)

func TestPushPopRoundTrip(t *testing.T) {
	q := New()
	if !q.Empty() {
		t.Fatal("new queue must be empty")
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop on empty queue must fail")
	}

	want := []byte("hello, slip")
	q.Push(NewChunk(want))
	if q.Empty() {
		t.Fatal("queue must be non-empty after push")
	}

	peek, ok := q.First()
	if !ok || !bytes.Equal(peek.Bytes(), want) {
		t.Fatalf("First() = %q, %v; want %q, true", peek.Bytes(), ok, want)
	}

	got, ok := q.Pop()
	if !ok {
		t.Fatal("pop must succeed")
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatalf("Pop() = %q; want %q", got.Bytes(), want)
	}
	if !q.Empty() {
		t.Fatal("queue must be empty after draining the only chunk")
	}
}

func TestWakeupChunk(t *testing.T) {
	c := NewChunk(nil)
	if !c.IsWakeup() {
		t.Fatal("zero-length chunk must report IsWakeup")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", c.Len())
	}
}

func TestConcurrentSPSC(t *testing.T) {
	q := New()
	const n = 10000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(NewChunk([]byte{byte(i), byte(i >> 8)}))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for {
				c, ok := q.Pop()
				if !ok {
					continue
				}
				want := []byte{byte(i), byte(i >> 8)}
				if !bytes.Equal(c.Bytes(), want) {
					t.Errorf("chunk %d: got %v want %v", i, c.Bytes(), want)
				}
				break
			}
		}
	}()

	wg.Wait()
	if !q.Empty() {
		t.Fatal("queue must be drained")
	}
}

func TestChunkBufferIsOwnedCopy(t *testing.T) {
	src := []byte("mutate me")
	c := NewChunk(src)
	src[0] = 'X'
	if c.Bytes()[0] == 'X' {
		t.Fatal("chunk must own a copy, not alias the caller's buffer")
	}
}
