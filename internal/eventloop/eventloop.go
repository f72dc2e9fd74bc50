// Package eventloop supplies the coordination primitives of the main
// dispatch loop. The loop blocks reading the Wayland socket; everything
// else that wants its attention (compositor IPC events, POSIX signals)
// records its news and then calls a wake function, which nudges the
// connection so the blocked read returns.
package eventloop

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/wsbg/wsbg/internal/logging"
)

// Flags is a bitmask of signals received since the last Take.
type Flags uint32

const (
	FlagInterrupt Flags = 1 << iota
	FlagTerminate
	FlagHangup
	FlagUser1
	FlagUser2
)

// Has reports whether all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Signals collects process signals into a flag set that the main loop
// polls between dispatch rounds. SIGINT, SIGTERM and SIGHUP request
// termination; SIGUSR1 and SIGUSR2 are accepted and reserved.
type Signals struct {
	ch    chan os.Signal
	flags atomic.Uint32
	wake  func()
}

// Notify starts signal collection. Each received signal sets its flag
// and calls wake once.
func Notify(wake func()) *Signals {
	s := &Signals{
		ch:   make(chan os.Signal, 8),
		wake: wake,
	}
	signal.Notify(s.ch,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
		syscall.SIGUSR1, syscall.SIGUSR2)
	go s.collect()
	return s
}

func (s *Signals) collect() {
	for sig := range s.ch {
		var flag Flags
		switch sig {
		case syscall.SIGINT:
			flag = FlagInterrupt
		case syscall.SIGTERM:
			flag = FlagTerminate
		case syscall.SIGHUP:
			flag = FlagHangup
		case syscall.SIGUSR1:
			flag = FlagUser1
		case syscall.SIGUSR2:
			flag = FlagUser2
		default:
			continue
		}
		s.flags.Or(uint32(flag))
		s.wake()
	}
}

// Take returns the accumulated flags and clears them.
func (s *Signals) Take() Flags {
	return Flags(s.flags.Swap(0))
}

// Close stops signal collection; further signals get default handling.
func (s *Signals) Close() {
	signal.Stop(s.ch)
	close(s.ch)
}

// Terminated reports whether the flags ask the daemon to exit, logging
// the decision. Reserved user signals are reported but ignored.
func Terminated(f Flags) bool {
	log := logging.Logger()
	if f.Has(FlagUser1) || f.Has(FlagUser2) {
		log.Error("signals USR1 and USR2 are reserved for future functionality")
	}
	for _, t := range []struct {
		flag Flags
		name string
	}{
		{FlagInterrupt, "SIGINT"},
		{FlagTerminate, "SIGTERM"},
		{FlagHangup, "SIGHUP"},
	} {
		if f.Has(t.flag) {
			log.Info("received signal, exiting", "signal", t.name)
			return true
		}
	}
	return false
}
