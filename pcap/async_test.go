package pcap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAsyncWriterFlushesBeforeClose(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "capture", DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	aw := NewAsyncWriter(w)

	packet := []byte{0x45, 0x00, 0x00, 0x14}
	for i := 0; i < 5; i++ {
		aw.Enqueue(packet)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "capture.pcap"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := globalHeaderLen + 5*(recordHeaderLen+len(packet))
	if len(data) != want {
		t.Fatalf("file size = %d; want %d", len(data), want)
	}
}

func TestAsyncWriterEnqueueDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "capture", DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	aw := NewAsyncWriter(w)
	defer aw.Close()

	done := make(chan struct{})
	go func() {
		aw.Enqueue([]byte{1, 2, 3, 4})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked")
	}
}
