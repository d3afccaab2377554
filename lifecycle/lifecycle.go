// Package lifecycle owns the process-wide, one-time setup and
// teardown a SlipLink user must perform: installing the signal
// handler link.SlipLink depends on to interrupt a blocked device
// read/write.
//
// Grounded on SlipInterface::SetUp/TearDown, which installs a SIGHUP
// handler with sa_flags=0 (deliberately omitting SA_RESTART so the
// blocking syscall it interrupts returns EINTR instead of being
// silently restarted by the kernel), and on SSLStateMachine's
// std::call_once library-init guard.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	initOnce   sync.Once
	sigCh      chan os.Signal
	signalOnce sync.Once
)

// Init installs the process-wide SIGHUP handler SlipLink's
// signal-based thread interruption depends on. It does nothing else;
// TLS library initialisation happens inside package tlsmachine. It is
// safe to call multiple times; only the first call has any effect.
func Init() {
	initOnce.Do(func() {
		installSIGHUPHandler()
	})
}

// installSIGHUPHandler registers a no-op SIGHUP handler via Go's
// os/signal facility. Go's runtime always installs signal handlers
// without SA_RESTART for the signals os/signal manages, so a blocking
// unix.Read/unix.Write a SlipLink reader/writer goroutine is inside
// when the signal arrives returns EINTR rather than being restarted,
// matching the original's explicit sa_flags=0 choice.
func installSIGHUPHandler() {
	sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	go func() {
		for range sigCh {
			// Nothing to do: the handler's only job is to exist, so
			// that delivery interrupts a blocked syscall instead of
			// terminating the process (SIGHUP's default disposition).
		}
	}()
}

// Shutdown reverses Init's signal registration. It is intended for
// tests and for hosts that want a clean process exit path; most
// embedders never need to call it.
func Shutdown() {
	signalOnce.Do(func() {
		if sigCh != nil {
			signal.Stop(sigCh)
			close(sigCh)
		}
	})
}
