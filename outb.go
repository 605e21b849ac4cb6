package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

// Ports the guest writes to with out.
const (
	portLog          = 99
	portCallFunction = 101
	portAbort        = 102
	portDebugPrint   = 103
	portTraceAlloc   = 105
	portTraceFree    = 106
	portDebugBreak   = 107
)

// noException in the low byte of an abort means the guest aborted on its
// own rather than from a CPU exception handler.
const noException = 0xff

// handleIO services an out instruction. done is set when the exit ends the
// run.
func (s *Sandbox) handleIO(ctx context.Context, r *run, exit hv.Exit) (res result, done bool) {
	protocol := func(err error, format string, args ...any) (result, bool) {
		return result{outcome: diag.OutcomeFailed, exit: exit, err: newError(KindProtocol, r.op(), err, format, args...)}, true
	}

	switch exit.Port {
	case portCallFunction:
		return s.hostCall(ctx, r, exit)

	case portAbort:
		return s.aborted(r, exit), true

	case portLog:
		out, err := s.mem.OutputStack()
		if err != nil {
			return protocol(err, "output region")
		}
		rec, err := out.PopLog()
		if err != nil {
			return protocol(err, "guest log")
		}
		if rec.Level >= s.cfg.logLevel() {
			logGuestRecord(s.log, rec)
		}

	case portDebugPrint:
		out, err := s.mem.OutputStack()
		if err != nil {
			return protocol(err, "output region")
		}
		text, err := out.PopText()
		if err != nil {
			return protocol(err, "debug print")
		}
		if w := s.opts.debugOut; w != nil {
			if _, err := io.WriteString(w, text); err != nil {
				s.log.Warn("write guest debug output", zap.Error(err))
			}
		}
		s.log.Debug("guest print", zap.String("text", text))

	case portTraceAlloc, portTraceFree:
		regs, err := s.part.Registers()
		if err != nil {
			s.log.Warn("read registers for allocation trace", zap.Error(err))
			break
		}
		if exit.Port == portTraceAlloc {
			s.allocs.Alloc(regs.RCX, regs.RAX)
		} else {
			s.allocs.Free(regs.RCX)
		}

	case portDebugBreak:
		if s.dbg == nil {
			s.log.Debug("guest breakpoint without debugger")
			break
		}
		s.log.Info("guest stopped at breakpoint", zap.String("function", r.name))
		if err := s.dbg.Stop(ctx, "breakpoint"); err != nil {
			s.log.Warn("debugger stop", zap.Error(err))
		}

	default:
		return result{
			outcome: diag.OutcomeFaulted,
			exit:    exit,
			message: fmt.Sprintf("write to unknown port %d", exit.Port),
		}, true
	}
	return result{}, false
}

// hostCall runs a host function for the guest and hands the result back on
// the input stack.
func (s *Sandbox) hostCall(ctx context.Context, r *run, exit hv.Exit) (result, bool) {
	protocol := func(err error, format string, args ...any) (result, bool) {
		return result{outcome: diag.OutcomeFailed, exit: exit, err: newError(KindProtocol, r.op(), err, format, args...)}, true
	}

	pending, err := s.mem.PEBField(mem.PEBHostCallPendingOff)
	if err != nil {
		return protocol(err, "PEB")
	}
	if pending == 0 {
		return protocol(ErrProtocol, "host call without pending marker")
	}
	out, err := s.mem.OutputStack()
	if err != nil {
		return protocol(err, "output region")
	}
	fc, err := out.PopFunctionCall()
	if err != nil {
		return protocol(err, "host call")
	}
	if fc.Kind != wire.HostCall {
		return protocol(ErrProtocol, "host call %s has kind %s", fc.Name, fc.Kind)
	}

	h, ok := s.opts.hosts.Lookup(fc.Name)
	if !ok {
		h, ok = DefaultRegistry.Lookup(fc.Name)
	}
	if !ok {
		return result{
			outcome: diag.OutcomeFailed,
			exit:    exit,
			message: fc.Name,
			err: &Error{
				Kind:   KindGuest,
				Op:     r.op(),
				Code:   wire.HostFunctionError,
				Detail: fmt.Sprintf("%s calls %s", r.name, fc.Name),
				Cause:  ErrHostFunctionNotFound,
			},
		}, true
	}

	var res wire.FunctionCallResult
	if h.Returns() != fc.ReturnType {
		res.Err = &wire.GuestError{
			Code:    wire.HostFunctionError,
			Message: fmt.Sprintf("%s returns %s, guest expects %s", h.Signature(), h.Returns(), fc.ReturnType),
		}
	} else {
		start := time.Now()
		v, err := h.Invoke(ctx, fc.Params)
		DefaultRecorder().ObserveDuration(MetricHostCallDuration, time.Since(start))
		if err != nil {
			s.log.Debug("host function failed", zap.String("function", fc.Name), zap.Error(err))
			res.Err = &wire.GuestError{Code: wire.HostFunctionError, Message: err.Error()}
		} else {
			res.Value = v
		}
	}

	in, err := s.mem.InputStack()
	if err != nil {
		return protocol(err, "input region")
	}
	if err := in.PushResult(res); err != nil {
		if !errors.Is(err, wire.ErrBufferTooSmall) || res.Err != nil {
			return protocol(err, "%s result", fc.Name)
		}
		tooBig := wire.FunctionCallResult{Err: &wire.GuestError{
			Code:    wire.HostFunctionError,
			Message: fmt.Sprintf("%s result does not fit the input region", fc.Name),
		}}
		if err := in.PushResult(tooBig); err != nil {
			return protocol(err, "%s result", fc.Name)
		}
	}
	if err := s.mem.SetPEBField(mem.PEBHostCallPendingOff, 0); err != nil {
		return protocol(err, "PEB")
	}
	return result{}, false
}

// aborted decodes an abort: code<<8 | vector, with an optional guest error
// record on the output stack.
func (s *Sandbox) aborted(r *run, exit hv.Exit) result {
	vector := uint8(exit.Value)
	code := wire.ErrorCode(exit.Value >> 8 & 0xff)

	var msg string
	if out, err := s.mem.OutputStack(); err == nil && !out.Empty() {
		if res, err := out.PopResult(); err == nil && res.Err != nil {
			msg = res.Err.Message
			if code == wire.NoError {
				code = res.Err.Code
			}
		}
	}

	if vector != noException {
		if msg == "" {
			msg = hv.ExceptionName(vector)
		}
		return result{outcome: diag.OutcomeFaulted, exit: exit, exception: &vector, code: code, message: msg}
	}
	if code == wire.NoError {
		code = wire.UnknownError
	}
	return result{
		outcome: diag.OutcomeFailed,
		exit:    exit,
		code:    code,
		message: msg,
		err: &Error{
			Kind:   KindGuest,
			Op:     r.op(),
			Code:   code,
			Detail: fmt.Sprintf("%s aborted: %s", r.name, msg),
		},
	}
}
