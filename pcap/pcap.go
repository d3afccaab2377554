// Package pcap writes captured IP packets to disk in libpcap's
// classic file format (https://wiki.wireshark.org/Development/LibpcapFileFormat),
// with size-based log rotation.
//
// Grounded on original_source/sdl_android/jni/lwip/core/pcap.c and
// lwip/include/lwip/pcap.h: same magic number, header layout, record
// layout, rotation scheme (prefix.pcap -> prefix_001.pcap -> ...,
// shifting older generations up before writing a fresh prefix.pcap),
// and default thresholds (10MiB / 10 generations).
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Link-layer types, per http://www.tcpdump.org/linktypes.html.
const (
	LinkTypeSLIP LinkType = 8
	LinkTypeIPv4 LinkType = 228
)

type LinkType uint32

// Config controls rotation behavior.
type Config struct {
	// MaxSize rotates the active file once it reaches this many
	// bytes. Zero uses DefaultMaxSize.
	MaxSize int64
	// MaxAge is how many rotated generations to keep (prefix_001.pcap
	// .. prefix_{MaxAge}.pcap). Zero or negative disables rotation.
	MaxAge int
	// Link is the link-layer type recorded in the global header.
	Link LinkType
}

const (
	DefaultMaxSize = 10 * 1024 * 1024
	DefaultMaxAge  = 10
)

func DefaultConfig() Config {
	return Config{MaxSize: DefaultMaxSize, MaxAge: DefaultMaxAge, Link: LinkTypeIPv4}
}

const globalHeaderLen = 24
const recordHeaderLen = 16

// Writer appends captured packets to a rotating set of pcap files
// sharing a common prefix.
type Writer struct {
	prefix string
	cfg    Config
	f      *os.File
	size   int64
}

// Open begins (or resumes, in append mode) capture to files named
// prefix.pcap, prefix_001.pcap, etc. under dir.
func Open(dir, prefix string, cfg Config) (*Writer, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Link == 0 {
		cfg.Link = LinkTypeIPv4
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("pcap: mkdir %s: %w", dir, err)
	}
	w := &Writer{prefix: filepath.Join(dir, prefix), cfg: cfg}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

// OpenSession is Open with a prefix scoped to a fresh random session
// id, so concurrent captures (e.g. one per SlipLink instance) never
// collide on the same file set.
func OpenSession(dir string, cfg Config) (*Writer, error) {
	return Open(dir, "session-"+uuid.NewString(), cfg)
}

func generationName(prefix string, age int) string {
	if age == 0 {
		return prefix + ".pcap"
	}
	return fmt.Sprintf("%s_%03d.pcap", prefix, age)
}

func (w *Writer) openCurrent() error {
	name := generationName(w.prefix, 0)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("pcap: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("pcap: stat %s: %w", name, err)
	}
	w.f = f
	w.size = info.Size()
	if w.size == 0 {
		if err := w.writeGlobalHeader(); err != nil {
			f.Close()
			return err
		}
	}
	return nil
}

func (w *Writer) writeGlobalHeader() error {
	var hdr [globalHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(w.cfg.Link))
	n, err := w.f.Write(hdr[:])
	w.size += int64(n)
	return err
}

// Write appends one captured packet (already-assembled bytes, as a
// SlipLink would hand to it post-SLIP-decode) with the current
// timestamp, then rotates if the file has reached MaxSize.
func (w *Writer) Write(packet []byte) error {
	if w.f == nil {
		return fmt.Errorf("pcap: write on closed writer")
	}
	now := time.Now()
	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(packet)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(packet)))

	n, err := w.f.Write(rec[:])
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	n, err = w.f.Write(packet)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("pcap: write record body: %w", err)
	}

	if w.size >= w.cfg.MaxSize {
		return w.rotate()
	}
	return nil
}

// rotate shifts prefix_{N-1}.pcap -> prefix_{N}.pcap downward (oldest
// generation beyond MaxAge is dropped by being overwritten by the
// rename chain's final step), then reopens a fresh prefix.pcap.
func (w *Writer) rotate() error {
	if w.cfg.MaxAge <= 0 {
		// No rotation configured: truncate and keep writing to the
		// same file rather than growing it without bound.
		if err := w.f.Truncate(0); err != nil {
			return fmt.Errorf("pcap: truncate: %w", err)
		}
		if _, err := w.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("pcap: seek: %w", err)
		}
		w.size = 0
		return w.writeGlobalHeader()
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("pcap: close before rotate: %w", err)
	}
	w.f = nil

	for age := w.cfg.MaxAge - 1; age >= 0; age-- {
		from := generationName(w.prefix, age)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := generationName(w.prefix, age+1)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("pcap: rotate %s -> %s: %w", from, to, err)
		}
	}

	return w.openCurrent()
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
