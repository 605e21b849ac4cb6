package microvm

import (
	"go.uber.org/zap"
)

// Call states. A call moves idle → running → done or cancelling; the
// terminal transitions are compare-and-set so exactly one side decides the
// outcome.
const (
	stateIdle int32 = iota
	stateRunning
	stateCancelling
	stateDone
)

// cancel asks the running call to stop. It reports whether a call was
// running. Interrupt is issued under cancelMu so the call cannot clear the
// interrupt before it has been raised.
func (s *Sandbox) cancel(cause error) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if !s.state.CompareAndSwap(stateRunning, stateCancelling) {
		return false
	}
	s.cause = cause
	if err := s.part.Interrupt(); err != nil {
		s.log.Warn("interrupt vcpu", zap.Error(err))
	}
	return true
}

// begin marks a call as running.
func (s *Sandbox) begin() {
	s.cancelMu.Lock()
	s.cause = nil
	s.state.Store(stateRunning)
	s.cancelMu.Unlock()
}

// complete claims the outcome for the call. It returns false when a
// cancellation won.
func (s *Sandbox) complete() bool {
	return s.state.CompareAndSwap(stateRunning, stateDone)
}

// finish returns to idle once the call's outcome is settled and reports the
// cancellation cause, if cancellation won. Any interrupt raised for the call
// is cleared.
func (s *Sandbox) finish() (cancelled bool, cause error) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	cancelled = s.state.Load() == stateCancelling
	cause = s.cause
	s.cause = nil
	s.part.ClearInterrupt()
	s.state.Store(stateIdle)
	return cancelled, cause
}

// InterruptHandle stops a sandbox's running call from any goroutine.
type InterruptHandle struct {
	s *Sandbox
}

// InterruptHandle returns a handle for cancelling calls on s.
func (s *Sandbox) InterruptHandle() *InterruptHandle {
	return &InterruptHandle{s: s}
}

// Kill cancels the running call, if any. The call returns a KindCancelled
// error and the sandbox is restored to its warm state. Kill reports whether
// a call was running.
func (h *InterruptHandle) Kill() bool {
	return h.s.cancel(ErrKilled)
}
