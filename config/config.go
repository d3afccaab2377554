// Package config collects the tunables spec.md §6 defines, with the
// defaults spec.md specifies.
package config

import "time"

// Config holds every tunable the core's components read. Zero-value
// Config is not valid; use Default to get spec.md's documented
// defaults and override individual fields as needed.
type Config struct {
	// StopOnWriteError, if true, makes the SlipLink writer emit
	// USB_WRITE and stop on the first non-EINTR device write error.
	// If false, the writer discards the failing chunk and continues.
	StopOnWriteError bool

	// WriteStuckTimeout is the watchdog threshold. Zero disables the
	// watchdog.
	WriteStuckTimeout time.Duration

	// AcceptSSLHandshakeTimeout bounds the inline TLS handshake
	// performed after a successful accept on a TLS-enabled listener.
	AcceptSSLHandshakeTimeout time.Duration

	// SendBackoff is the sleep between retries when a TCP send hits
	// WOULDBLOCK or MEM-as-congestion.
	SendBackoff time.Duration

	// HandshakeConnectPoll is the recv poll granularity used while
	// driving a client-side TLS handshake from Socket.Connect.
	HandshakeConnectPoll time.Duration

	// HandshakeAcceptPoll is the recv poll granularity used while
	// driving the inline TLS handshake after Accept.
	HandshakeAcceptPoll time.Duration

	// AcceptInternalTimeout is the internal per-iteration netconn
	// timeout Socket.Accept uses so it can observe Close from another
	// goroutine.
	AcceptInternalTimeout time.Duration

	// WriterDeferStop is how long SlipLink.Detach waits for the
	// writer goroutine to stop naturally before escalating to
	// signal-based interruption.
	WriterDeferStop time.Duration

	// SignalInterval is the repeat interval for signal-based
	// interruption of a stuck reader/writer goroutine.
	SignalInterval time.Duration

	// WatchdogPoll is the stuck-write watchdog's sampling period.
	WatchdogPoll time.Duration
}

// Default returns spec.md §6's documented configuration.
func Default() Config {
	return Config{
		StopOnWriteError:          true,
		WriteStuckTimeout:         0,
		AcceptSSLHandshakeTimeout: 5 * time.Second,
		SendBackoff:               10 * time.Millisecond,
		HandshakeConnectPoll:      50 * time.Millisecond,
		HandshakeAcceptPoll:       10 * time.Millisecond,
		AcceptInternalTimeout:     time.Second,
		WriterDeferStop:           500 * time.Millisecond,
		SignalInterval:            100 * time.Millisecond,
		WatchdogPoll:              time.Second,
	}
}
