// Package link implements the SlipLink component (spec.md §4.6): the
// device-facing half of the pipeline, bridging a character device fd
// to a StackRuntime via SLIP framing, with its own reader and writer
// goroutines and a signal-based shutdown path for a device whose
// blocking read/write cannot otherwise be interrupted from another
// goroutine.
//
// Grounded on original_source/sdl_android/jni/tcpip/SlipInterface.{h,cpp}:
// that code runs a pthread per direction, uses a per-thread tid plus
// pthread_kill(SIGHUP) to break a thread out of a blocking read/write
// syscall, and a termination semaphore per thread so the detaching
// thread never signals a thread that has already exited. This port
// keeps that structure, replacing pthreads with goroutines pinned to
// their OS thread via runtime.LockOSThread and unix.Tgkill in place
// of pthread_kill.
package link

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xevo/slipstack/chunkqueue"
	"github.com/xevo/slipstack/config"
	"github.com/xevo/slipstack/hostcb"
	"github.com/xevo/slipstack/stackrt"
)

// Logf is the logging hook threaded through SlipLink, matching the
// rest of the module's ambient logging convention.
type Logf func(format string, args ...any)

func discard(string, ...any) {}

const readBufSize = 2048

// SlipLink owns the reader and writer goroutines that move SLIP
// frames between a device fd and a stackrt.Runtime.
type SlipLink struct {
	fd  int
	rt  *stackrt.Runtime
	cfg config.Config
	cb  hostcb.Callbacks
	log Logf

	outq     *chunkqueue.Queue
	doorbell chan struct{}

	stopRead  atomic.Bool
	stopWrite atomic.Bool

	readStopped  atomic.Bool
	writeStopped atomic.Bool

	readerTid atomic.Int32
	writerTid atomic.Int32

	readerGate *gate
	writerGate *gate

	currentWriteID atomic.Int64 // id of the in-flight write, -1 if idle
	nextDrainID    atomic.Int64

	drainMu      sync.Mutex
	drainWaiting []int64

	watchdogStop chan struct{}
	watchdogDone chan struct{}

	netifMu    sync.Mutex
	wg         sync.WaitGroup
	detachOnce sync.Once
}

// Attach starts SlipLink's reader, writer, and (if configured)
// watchdog goroutines over fd, a raw file descriptor for a character
// device opened by the caller. cb may be nil, in which case events
// are discarded.
func Attach(fd int, rt *stackrt.Runtime, cfg config.Config, log Logf, cb hostcb.Callbacks) *SlipLink {
	if log == nil {
		log = discard
	}
	if cb == nil {
		cb = hostcb.NopCallbacks{}
	}
	l := &SlipLink{
		fd:           fd,
		rt:           rt,
		cfg:          cfg,
		cb:           cb,
		log:          log,
		outq:         chunkqueue.New(),
		doorbell:     make(chan struct{}, 1),
		readerGate:   newGate(),
		writerGate:   newGate(),
		watchdogStop: make(chan struct{}),
		watchdogDone: make(chan struct{}),
	}
	l.currentWriteID.Store(-1)

	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()

	if cfg.WriteStuckTimeout > 0 {
		go l.watchdog()
	} else {
		close(l.watchdogDone)
	}

	return l
}

// Enqueue submits raw, un-framed IP bytes for SLIP encoding and
// transmission. It never blocks the caller on device I/O: frames are
// queued and the writer goroutine drains them.
func (l *SlipLink) Enqueue(raw []byte) {
	frame := encodeSLIP(make([]byte, 0, len(raw)+2), raw)
	l.outq.Push(chunkqueue.NewChunk(frame))
	select {
	case l.doorbell <- struct{}{}:
	default:
	}
}

// RequestDrainNotification asks for a one-shot OnBufferEmpty callback
// the next time the outbound queue becomes empty, returning an id that
// the eventual callback will carry.
func (l *SlipLink) RequestDrainNotification() int64 {
	id := l.nextDrainID.Add(1)
	l.drainMu.Lock()
	l.drainWaiting = append(l.drainWaiting, id)
	l.drainMu.Unlock()
	select {
	case l.doorbell <- struct{}{}:
	default:
	}
	return id
}

func (l *SlipLink) readLoop() {
	defer l.wg.Done()
	runtime.LockOSThread()
	l.readerTid.Store(int32(unix.Gettid()))

	var dec decodeSLIP
	buf := make([]byte, readBufSize)
	for !l.stopRead.Load() {
		n, err := unix.Read(l.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.log("link: read error: %v", err)
			break
		}
		if n == 0 {
			l.log("link: device EOF")
			break
		}
		frames := dec.Feed(buf[:n])
		for _, f := range frames {
			if len(f) == 0 {
				continue
			}
			l.netifMu.Lock()
			if !l.stopRead.Load() {
				if err := l.rt.InjectIP(f); err != nil {
					l.log("link: InjectIP: %v", err)
				}
			}
			l.netifMu.Unlock()
		}
	}
	l.readStopped.Store(true)
	l.readerGate.wait()
}

func (l *SlipLink) writeLoop() {
	defer l.wg.Done()
	runtime.LockOSThread()
	l.writerTid.Store(int32(unix.Gettid()))

	for {
		c, ok := l.outq.Pop()
		if !ok {
			l.fireDrainIfEmpty()
			if l.stopWrite.Load() {
				break
			}
			<-l.doorbell
			continue
		}
		if c.IsWakeup() {
			continue
		}
		if !l.writeChunk(c.Bytes()) {
			if l.cfg.StopOnWriteError {
				l.cb.OnNativeError(hostcb.ErrUSBWrite)
				break
			}
			continue
		}
		l.cb.OnSlipPacketReady(c.Bytes())
	}
	l.writeStopped.Store(true)
	l.writerGate.wait()
}

// writeChunk writes frame to the device, retrying short writes and
// EINTR, tracking progress for the stuck-write watchdog. It returns
// false on a non-EINTR device error.
func (l *SlipLink) writeChunk(frame []byte) bool {
	id := l.currentWriteID.Add(1)
	defer l.currentWriteID.Store(-1)

	written := 0
	for written < len(frame) {
		if l.stopWrite.Load() {
			return true
		}
		n, err := unix.Write(l.fd, frame[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.log("link: write error (id=%d): %v", id, err)
			return false
		}
		written += n
	}
	return true
}

func (l *SlipLink) fireDrainIfEmpty() {
	if !l.outq.Empty() {
		return
	}
	l.drainMu.Lock()
	ids := l.drainWaiting
	l.drainWaiting = nil
	l.drainMu.Unlock()
	for _, id := range ids {
		l.cb.OnBufferEmpty(id)
	}
}

// watchdog fires OnNativeError(ErrUSBStuck) once per stuck episode: an
// in-flight write id that does not change across WriteStuckTimeout
// worth of consecutive WatchdogPoll samples (spec.md §4.6: the stuck
// counter must reach configured-seconds / poll-seconds before firing,
// not merely repeat once).
func (l *SlipLink) watchdog() {
	defer close(l.watchdogDone)
	ticker := time.NewTicker(l.cfg.WatchdogPoll)
	defer ticker.Stop()

	threshold := int(l.cfg.WriteStuckTimeout / l.cfg.WatchdogPoll)
	if threshold < 1 {
		threshold = 1
	}

	var last int64 = -1
	counter := 0
	fired := false
	for {
		select {
		case <-l.watchdogStop:
			return
		case <-ticker.C:
			cur := l.currentWriteID.Load()
			if cur != -1 && cur == last {
				counter++
			} else {
				counter = 0
				fired = false
			}
			last = cur
			if counter == threshold && !fired {
				l.cb.OnNativeError(hostcb.ErrUSBStuck)
				fired = true
			}
		}
	}
}

// Detach stops both goroutines and waits for them to exit. The reader
// is asked to stop immediately; the writer is given WriterDeferStop to
// drain naturally before either is escalated to signal-based
// interruption at SignalInterval, mirroring SlipInterface::TearDown's
// reader-then-writer shutdown order.
//
// Detach is idempotent: a second call (or a destructor running after
// an explicit Detach) is a clean no-op.
func (l *SlipLink) Detach() {
	l.detachOnce.Do(l.detach)
}

func (l *SlipLink) detach() {
	close(l.watchdogStop)
	<-l.watchdogDone

	l.stopRead.Store(true)
	l.signalUntilStopped(&l.readerTid, l.readStopped.Load, 0)
	l.readerGate.signal()

	l.stopWrite.Store(true)
	l.outq.Push(chunkqueue.Chunk{})
	select {
	case l.doorbell <- struct{}{}:
	default:
	}
	l.signalUntilStopped(&l.writerTid, l.writeStopped.Load, l.cfg.WriterDeferStop)
	l.writerGate.signal()

	l.wg.Wait()

	for {
		if _, ok := l.outq.Pop(); !ok {
			break
		}
	}
}

// signalUntilStopped waits defer for stopped to become true on its
// own, then sends SIGHUP to tid at SignalInterval until it does.
func (l *SlipLink) signalUntilStopped(tid *atomic.Int32, stopped func() bool, deferFor time.Duration) {
	deadline := time.Now().Add(deferFor)
	for !stopped() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	pid := unix.Getpid()
	for !stopped() {
		t := int(tid.Load())
		if t != 0 {
			if err := unix.Tgkill(pid, t, unix.SIGHUP); err != nil {
				l.log("link: tgkill: %v", err)
			}
		}
		time.Sleep(l.cfg.SignalInterval)
	}
}
