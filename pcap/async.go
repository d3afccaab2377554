package pcap

import "github.com/xevo/slipstack/blockqueue"

// asyncItem is blockqueue's element type for AsyncWriter. closed is a
// distinct sentinel flag rather than a nil/empty packet, so a
// legitimate zero-length capture can never be mistaken for the
// close request.
type asyncItem struct {
	packet []byte
	closed bool
}

// AsyncWriter decouples packet capture from its caller: Enqueue never
// blocks, satisfying hostcb.Callbacks' "implementations must not
// block" contract, while a single background goroutine drains the
// queue and performs the underlying (blocking) file I/O.
//
// Grounded on blockqueue.Queue (C2 MpscBlockingQueue): the producer
// (typically a SlipLink OnSlipPacketReady callback) and the one
// consumer (this writer's drain goroutine) need no ordering guarantee
// beyond FIFO, which is exactly blockqueue's contract.
type AsyncWriter struct {
	w    *Writer
	q    *blockqueue.Queue[asyncItem]
	done chan struct{}
}

// NewAsyncWriter starts a drain goroutine over w. Closing the
// returned AsyncWriter also closes w.
func NewAsyncWriter(w *Writer) *AsyncWriter {
	aw := &AsyncWriter{w: w, q: blockqueue.New[asyncItem](), done: make(chan struct{})}
	go aw.loop()
	return aw
}

// Enqueue copies packet and schedules it for asynchronous capture.
func (aw *AsyncWriter) Enqueue(packet []byte) {
	aw.q.Push(asyncItem{packet: append([]byte(nil), packet...)})
}

func (aw *AsyncWriter) loop() {
	defer close(aw.done)
	for {
		item := aw.q.Front()
		if item.closed {
			return
		}
		aw.w.Write(item.packet)
		aw.q.Pop()
	}
}

// Close flushes any already-queued packets, stops the drain
// goroutine, and closes the underlying Writer.
func (aw *AsyncWriter) Close() error {
	aw.q.Push(asyncItem{closed: true})
	<-aw.done
	return aw.w.Close()
}
