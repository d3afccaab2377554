package tlsmachine

import (
	"errors"
	"net"
	"sync"
	"time"
)

// bytePipe is a byte-queue with a blocking Read side and a
// non-blocking Drain/Feed side. It stands in for one direction of an
// OpenSSL memory BIO pair: the TLS engine's own goroutine blocks on
// Read, while the state machine's public, caller-facing methods
// (ReadInject/WriteExtract) only ever append or drain without
// blocking.
type bytePipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newBytePipe() *bytePipe {
	p := &bytePipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// feed appends data and wakes any blocked Read.
func (p *bytePipe) feed(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// drain removes up to len(dst) buffered bytes without blocking,
// returning the number copied.
func (p *bytePipe) drain(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dst, p.buf)
	p.buf = p.buf[n:]
	return n
}

// pending reports the number of buffered, undrained bytes.
func (p *bytePipe) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// closePipe unblocks any goroutine waiting in read.
func (p *bytePipe) closePipe() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// read blocks until at least one byte is available, the pipe is
// closed, or it is closed mid-wait. Used only by the TLS engine's own
// background goroutine, never by the public API.
func (p *bytePipe) read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 && p.closed {
		return 0, errPipeClosed
	}
	n := copy(dst, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

var errPipeClosed = errors.New("tlsmachine: pipe closed")

// memConn adapts a pair of bytePipes (ingress for Read, egress for
// Write) into a net.Conn so crypto/tls's *tls.Conn can be driven
// purely by byte injection/extraction, decoupling TLS record
// processing from any real transport I/O.
type memConn struct {
	ingress *bytePipe // caller feeds ciphertext here via ReadInject
	egress  *bytePipe // engine writes ciphertext here; caller drains via WriteExtract
}

func newMemConn() *memConn {
	return &memConn{ingress: newBytePipe(), egress: newBytePipe()}
}

func (c *memConn) Read(b []byte) (int, error)  { return c.ingress.read(b) }
func (c *memConn) Write(b []byte) (int, error) { c.egress.feed(b); return len(b), nil }
func (c *memConn) Close() error {
	c.ingress.closePipe()
	c.egress.closePipe()
	return nil
}

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem-bio-pair" }
