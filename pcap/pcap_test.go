package pcap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenWritesGlobalHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "capture", DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	data, err := os.ReadFile(filepath.Join(dir, "capture.pcap"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != globalHeaderLen {
		t.Fatalf("file size = %d; want %d (header only)", len(data), globalHeaderLen)
	}
	if data[0] != 0xd4 || data[1] != 0xc3 || data[2] != 0xb2 || data[3] != 0xa1 {
		t.Fatalf("magic number mismatch: % x", data[:4])
	}
}

func TestWriteAppendsRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "capture", DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	packet := []byte{0x45, 0x00, 0x00, 0x14}
	if err := w.Write(packet); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "capture.pcap"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := globalHeaderLen + recordHeaderLen + len(packet)
	if len(data) != want {
		t.Fatalf("file size = %d; want %d", len(data), want)
	}
}

func TestRotationShiftsGenerations(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxSize: globalHeaderLen + recordHeaderLen + 4, MaxAge: 2, Link: LinkTypeIPv4}
	w, err := Open(dir, "capture", cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	packet := []byte{1, 2, 3, 4}
	for i := 0; i < 3; i++ {
		if err := w.Write(packet); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "capture.pcap")); err != nil {
		t.Fatalf("expected current generation to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "capture_001.pcap")); err != nil {
		t.Fatalf("expected rotated generation _001 to exist: %v", err)
	}
}

func TestOpenSessionUsesUniquePrefix(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenSession(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenSession a: %v", err)
	}
	defer a.Close()
	b, err := OpenSession(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenSession b: %v", err)
	}
	defer b.Close()

	if a.prefix == b.prefix {
		t.Fatalf("two sessions got the same prefix: %s", a.prefix)
	}
}
