package link

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte{0x45, 0x00, 0xC0, 0xDB, 0x01, 0xC0}
	frame := encodeSLIP(nil, raw)
	if frame[0] != sEnd || frame[len(frame)-1] != sEnd {
		t.Fatalf("frame not END-delimited: %x", frame)
	}

	var dec decodeSLIP
	// Feed the encoded frame as-is; its own leading END opens the
	// frame the way an inter-frame END on a real link would.
	frames := dec.Feed(frame)
	if len(frames) != 1 {
		t.Fatalf("got %d frames; want 1", len(frames))
	}
	if !bytes.Equal(frames[0], raw) {
		t.Fatalf("decoded = %x; want %x", frames[0], raw)
	}
}

func TestDecodeAcrossMultipleFeeds(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5}
	frame := encodeSLIP(nil, raw)

	var dec decodeSLIP
	mid := len(frame) / 2
	if frames := dec.Feed(frame[:mid]); len(frames) != 0 {
		t.Fatalf("got %d frames from partial feed; want 0", len(frames))
	}
	frames := dec.Feed(frame[mid:])
	if len(frames) != 1 || !bytes.Equal(frames[0], raw) {
		t.Fatalf("decoded = %v; want one frame %x", frames, raw)
	}
}

func TestDecodeMultipleFramesInOneFeed(t *testing.T) {
	a := encodeSLIP(nil, []byte{1, 2, 3})
	b := encodeSLIP(nil, []byte{4, 5, 6})

	var dec decodeSLIP
	frames := dec.Feed(append(a, b...))
	if len(frames) != 2 {
		t.Fatalf("got %d frames; want 2", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{1, 2, 3}) || !bytes.Equal(frames[1], []byte{4, 5, 6}) {
		t.Fatalf("frames = %v", frames)
	}
}

func TestEncodeEscapesEndAndEsc(t *testing.T) {
	raw := []byte{sEnd, sEsc, 0x01}
	frame := encodeSLIP(nil, raw)

	// Interior bytes (excluding the two delimiter END bytes) must
	// contain no literal END; the round trip below checks that the
	// escaped END and ESC bytes decode back correctly.
	interior := frame[1 : len(frame)-1]
	for i := 0; i < len(interior); i++ {
		if interior[i] == sEnd {
			t.Fatalf("literal END byte leaked into frame interior: %x", frame)
		}
	}

	var dec decodeSLIP
	frames := dec.Feed(frame)
	if len(frames) != 1 || !bytes.Equal(frames[0], raw) {
		t.Fatalf("round trip of END/ESC bytes failed: got %v", frames)
	}
}
