package microvm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

// run describes one entry into the guest: init or a function call.
type run struct {
	name  string
	ret   Tag
	init  bool
	start time.Time
}

func (r *run) op() string {
	if r.init {
		return "init"
	}
	return "call"
}

// result is how a run ended, as seen by the exit loop.
type result struct {
	outcome   diag.Outcome
	value     wire.Value
	exit      hv.Exit
	err       *Error
	exception *uint8
	code      wire.ErrorCode
	message   string
}

// Call invokes the guest function name with args and waits for its result,
// which must have type ret. Arguments are int32, uint32, int64, uint64,
// int, uint, float32, float64, bool, string or []byte.
//
// The call is bounded by ctx and Config.MaxExecutionTime. On cancellation
// the sandbox is restored to its warm state; on a fault it is poisoned and
// every later call fails with ErrSandboxPoisoned.
func (s *Sandbox) Call(ctx context.Context, name string, ret Tag, args ...any) (any, error) {
	v, err := s.call(ctx, name, ret, args)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// CallTyped is Call with the result converted to T, which must be one of
// the argument types.
func CallTyped[T any](ctx context.Context, s *Sandbox, name string, args ...any) (T, error) {
	var zero T
	t := reflect.TypeFor[T]()
	ret, ok := tagOf(t)
	if !ok {
		return zero, newError(KindProtocol, "call", ErrProtocol, "unsupported result type %s", t)
	}
	v, err := s.call(ctx, name, ret, args)
	if err != nil {
		return zero, err
	}
	return reflect.ValueOf(v.Data).Convert(t).Interface().(T), nil
}

func (s *Sandbox) call(ctx context.Context, name string, ret Tag, args []any) (wire.Value, error) {
	if !s.callMu.TryLock() {
		return wire.Value{}, newError(KindSetup, "call", ErrSandboxBusy, "%s", name)
	}
	defer s.callMu.Unlock()
	if err := s.checkUsable("call"); err != nil {
		return wire.Value{}, err
	}
	if !ret.Valid() {
		return wire.Value{}, newError(KindProtocol, "call", ErrProtocol, "%s: invalid result tag %d", name, ret)
	}

	fc := wire.FunctionCall{Name: name, ReturnType: ret, Kind: wire.GuestCall}
	for i, a := range args {
		v, err := wire.ValueOf(a)
		if err != nil {
			return wire.Value{}, newError(KindProtocol, "call", err, "%s argument %d", name, i)
		}
		fc.Params = append(fc.Params, v)
	}

	in, err := s.mem.InputStack()
	if err != nil {
		return wire.Value{}, newError(KindProtocol, "call", err, "input region")
	}
	out, err := s.mem.OutputStack()
	if err != nil {
		return wire.Value{}, newError(KindProtocol, "call", err, "output region")
	}
	in.Init()
	out.Init()
	if err := in.PushFunctionCall(fc); err != nil {
		return wire.Value{}, newError(KindProtocol, "call", err, "%s", name)
	}

	fn, err := s.mem.DispatchFunction()
	if err != nil {
		return wire.Value{}, newError(KindProtocol, "call", err, "dispatch function")
	}
	if err := s.mem.SetPEBField(mem.PEBHostCallPendingOff, 0); err != nil {
		return wire.Value{}, newError(KindProtocol, "call", err, "PEB")
	}
	if err := s.part.SetRegisters(s.dispatchRegisters(fn)); err != nil {
		return wire.Value{}, newError(KindSetup, "call", err, "set registers")
	}
	return s.execute(ctx, run{name: name, ret: ret})
}

// execute runs the vCPU until the guest halts, faults or is cancelled. The
// calling goroutine stays on one OS thread for the whole run so the
// interrupt signal reaches the vCPU.
func (s *Sandbox) execute(ctx context.Context, r run) (wire.Value, error) {
	if d := s.cfg.MaxExecutionTime; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.start = time.Now()
	s.begin()
	if s.closed.Load() {
		s.cancel(ErrSandboxClosed)
	}
	stop := context.AfterFunc(ctx, func() { s.cancel(context.Cause(ctx)) })
	res := s.loop(ctx, &r)
	stop()

	if res.outcome != diag.OutcomeCancelled && !s.complete() {
		res = result{outcome: diag.OutcomeCancelled, exit: res.exit}
	}
	_, cause := s.finish()
	return s.settle(&r, res, cause)
}

func (s *Sandbox) loop(ctx context.Context, r *run) result {
	for {
		exit, err := s.part.Run()
		if err != nil {
			return result{outcome: diag.OutcomeFaulted, exit: exit, message: err.Error()}
		}
		switch exit.Reason {
		case hv.ExitHalt:
			return s.halted(r, exit)
		case hv.ExitIO:
			if res, done := s.handleIO(ctx, r, exit); done {
				return res
			}
		case hv.ExitCancelled:
			if s.interrupted() {
				return result{outcome: diag.OutcomeCancelled, exit: exit}
			}
		default:
			return result{outcome: diag.OutcomeFaulted, exit: exit, message: exit.String()}
		}
	}
}

// interrupted reports whether a cancelled exit was requested. A stale
// interrupt is cleared so the loop can resume.
func (s *Sandbox) interrupted() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.state.Load() == stateCancelling {
		return true
	}
	s.part.ClearInterrupt()
	return false
}

// halted reads the function's result off the output stack.
func (s *Sandbox) halted(r *run, exit hv.Exit) result {
	if r.init {
		return result{outcome: diag.OutcomeCompleted, exit: exit}
	}
	protocol := func(err error, format string, args ...any) result {
		return result{outcome: diag.OutcomeFailed, exit: exit, err: newError(KindProtocol, r.op(), err, format, args...)}
	}

	out, err := s.mem.OutputStack()
	if err != nil {
		return protocol(err, "output region")
	}
	res, err := out.PopResult()
	if err != nil {
		return protocol(err, "%s: result", r.name)
	}
	if res.Err != nil {
		return result{
			outcome: diag.OutcomeFailed,
			exit:    exit,
			code:    res.Err.Code,
			message: res.Err.Message,
			err: &Error{
				Kind:   KindGuest,
				Op:     r.op(),
				Code:   res.Err.Code,
				Detail: fmt.Sprintf("%s: %s", r.name, res.Err.Message),
			},
		}
	}
	if res.Value.Tag != r.ret {
		return protocol(ErrProtocol, "%s returned %s, want %s", r.name, res.Value.Tag, r.ret)
	}
	return result{outcome: diag.OutcomeCompleted, exit: exit, value: res.Value}
}

// settle turns a result into the call's return values and applies its side
// effects: metrics, poisoning, warm restore and crash dumps.
func (s *Sandbox) settle(r *run, res result, cause error) (wire.Value, error) {
	elapsed := time.Since(r.start)
	rec := DefaultRecorder()
	if !r.init {
		rec.ObserveDuration(MetricGuestCallDuration, elapsed)
	}

	switch res.outcome {
	case diag.OutcomeCompleted:
		s.log.Debug("guest call completed", zap.String("function", r.name), zap.Duration("duration", elapsed))
		return res.value, nil

	case diag.OutcomeFailed:
		rec.IncCounter(MetricGuestErrors)
		s.log.Debug("guest call failed", zap.String("function", r.name), zap.Error(res.err))
		return wire.Value{}, res.err

	case diag.OutcomeCancelled:
		rec.IncCounter(MetricGuestCancellations)
		e := &Error{Kind: KindCancelled, Op: r.op(), Detail: r.name, Cause: ErrCancelled}
		if cause != nil {
			e.Cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
		e.Outcome = s.capture(r, res, elapsed)
		s.dump(e)
		if !r.init {
			if err := s.restore(s.warm); err != nil {
				s.poison("restore after cancellation", err)
			}
		}
		s.log.Info("guest call cancelled",
			zap.String("function", r.name),
			zap.Duration("duration", elapsed),
			zap.NamedError("cause", cause),
		)
		return wire.Value{}, e

	default:
		rec.IncCounter(MetricGuestFaults)
		s.poison(res.exit.String(), errors.New(res.message))
		e := &Error{Kind: KindFault, Op: r.op(), Code: res.code, Detail: fmt.Sprintf("%s: %s", r.name, res.message)}
		if res.exception != nil {
			e.Detail = fmt.Sprintf("%s: %s", r.name, hv.ExceptionName(*res.exception))
		}
		e.Outcome = s.capture(r, res, elapsed)
		s.dump(e)
		return wire.Value{}, e
	}
}

// dump writes e's outcome record when crash dumps are enabled. A failed
// write is logged and e is returned without a path.
func (s *Sandbox) dump(e *Error) {
	dir := s.cfg.CrashDumpDir
	if dir == "" || e.Outcome == nil {
		return
	}
	path, err := diag.WriteDump(dir, e.Outcome)
	if err != nil {
		s.log.Error("write crash dump", zap.String("dir", dir), zap.Error(err))
		return
	}
	e.DumpPath = path
	s.log.Warn("crash dump written",
		zap.String("function", e.Outcome.Function),
		zap.String("outcome", string(e.Outcome.Outcome)),
		zap.String("dump", path),
	)
}

func (s *Sandbox) capture(r *run, res result, elapsed time.Duration) *diag.OutcomeRecord {
	layout := s.mem.Layout()
	opts := diag.CaptureOptions{
		SandboxID: s.id,
		Backend:   s.part.Kind().String(),
		Function:  r.name,
		Outcome:   res.outcome,
		Exit:      res.exit,
		Duration:  elapsed,
		Exception: res.exception,
		ErrorCode: uint64(res.code),
		Message:   res.message,
		Memory:    s.mem,
		Layout:    &layout,
		Unwind:    s.cfg.UnwindStacks,
		Symbols:   s.guest.image,
		Allocs:    s.allocs,
		Logger:    s.log,
	}
	if res.code != wire.NoError {
		opts.ErrorName = res.code.String()
	}
	return diag.Capture(s.part, opts)
}
