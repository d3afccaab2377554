package netbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestTakeAcrossSegmentBoundary(t *testing.T) {
	a := New()
	a.Set([][]byte{[]byte("abc"), []byte("de")})

	dst := make([]byte, 4)
	n := a.Take(dst)
	if n != 4 || !bytes.Equal(dst, []byte("abcd")) {
		t.Fatalf("Take() = %d, %q; want 4, %q", n, dst[:n], "abcd")
	}

	dst2 := make([]byte, 4)
	n2 := a.Take(dst2)
	if n2 != 1 || dst2[0] != 'e' {
		t.Fatalf("Take() = %d, %q; want 1, %q", n2, dst2[:n2], "e")
	}
	if !a.Empty() {
		t.Fatal("aggregator must be empty after full drain")
	}
}

func TestSetAppendsPreservingCursor(t *testing.T) {
	a := New()
	a.Set([][]byte{[]byte("hello")})
	dst := make([]byte, 2)
	a.Take(dst) // consumes "he", cursor now at offset 2 in "hello"

	a.Set([][]byte{[]byte("world")})
	rest := make([]byte, 64)
	n := a.Take(rest)
	if got := string(rest[:n]); got != "lloworld" {
		t.Fatalf("Take() = %q; want %q", got, "lloworld")
	}
}

func TestTakeNeverBlocksOnEmpty(t *testing.T) {
	a := New()
	dst := make([]byte, 10)
	if n := a.Take(dst); n != 0 {
		t.Fatalf("Take() on empty aggregator = %d; want 0", n)
	}
}

func TestSumOfTakeEqualsSumOfInput(t *testing.T) {
	a := New()
	r := rand.New(rand.NewSource(1))
	var total int
	var all []byte
	for i := 0; i < 20; i++ {
		seg := make([]byte, r.Intn(50)+1)
		r.Read(seg)
		a.Set([][]byte{seg})
		total += len(seg)
		all = append(all, seg...)
	}

	var drained []byte
	buf := make([]byte, 7)
	for !a.Empty() {
		n := a.Take(buf)
		drained = append(drained, buf[:n]...)
	}
	if len(drained) != total {
		t.Fatalf("drained %d bytes; want %d", len(drained), total)
	}
	if !bytes.Equal(drained, all) {
		t.Fatal("drained bytes do not match input order/content")
	}
}
