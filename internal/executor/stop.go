package executor

import "sync"

// StopSignal asks one run of one job to stop at its next loop boundary. It is raised by
// Cancel and Pause; the executor never raises it itself.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal returns an unraised signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Stop raises the signal. Repeated calls are no-ops.
func (s *StopSignal) Stop() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once the signal is raised.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}

// Stopped reports whether the signal was raised.
func (s *StopSignal) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
