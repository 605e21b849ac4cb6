// Package diag captures what happened when a guest call ended badly: the
// exit, the vCPU state, an unwound guest stack and allocation counters. A
// capture never fails; whatever could not be collected is noted in the
// record instead.
package diag

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
)

// FormatVersion is the version of the dump file format.
const FormatVersion = 1

// Outcome names how a guest call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFaulted   Outcome = "faulted"
)

// Source is the vCPU state a capture reads.
type Source interface {
	Registers() (hv.Regs, error)
	SpecialRegisters() (hv.SpecialRegs, error)
}

// OutcomeRecord is the post-mortem of one guest call.
type OutcomeRecord struct {
	FormatVersion int       `json:"format_version"`
	SandboxID     string    `json:"sandbox_id"`
	Backend       string    `json:"backend,omitempty"`
	Function      string    `json:"function,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Time          time.Time `json:"time"`
	Duration      string    `json:"duration,omitempty"`

	ExitReason string  `json:"exit_reason"`
	Exit       hv.Exit `json:"exit"`
	Exception  string  `json:"exception,omitempty"`
	ErrorCode  uint64  `json:"error_code,omitempty"`
	ErrorName  string  `json:"error_name,omitempty"`
	Message    string  `json:"message,omitempty"`

	Regs        *hv.Regs        `json:"regs,omitempty"`
	SpecialRegs *hv.SpecialRegs `json:"special_regs,omitempty"`
	Frames      []Frame         `json:"frames,omitempty"`
	Allocations *AllocStats     `json:"allocations,omitempty"`
	Layout      *mem.Layout     `json:"layout,omitempty"`

	Notes []string `json:"notes,omitempty"`

	// DumpPath is set once the record has been written.
	DumpPath string `json:"-"`
}

func (r *OutcomeRecord) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// CaptureOptions select what Capture collects.
type CaptureOptions struct {
	SandboxID string
	Backend   string
	Function  string
	Outcome   Outcome
	Exit      hv.Exit
	Duration  time.Duration

	// Exception is the CPU exception vector reported by the guest, if any.
	Exception *uint8
	ErrorCode uint64
	ErrorName string
	Message   string

	// Memory and Layout enable stack unwinding when Unwind is set.
	Memory  MemoryReader
	Layout  *mem.Layout
	Unwind  bool
	Symbols Symbolizer
	Allocs  *AllocTracker
	Logger  *zap.Logger
}

// Capture builds an OutcomeRecord from src.
func Capture(src Source, opts CaptureOptions) *OutcomeRecord {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	rec := &OutcomeRecord{
		FormatVersion: FormatVersion,
		SandboxID:     opts.SandboxID,
		Backend:       opts.Backend,
		Function:      opts.Function,
		Outcome:       opts.Outcome,
		Time:          time.Now().UTC(),
		ExitReason:    opts.Exit.Reason.String(),
		Exit:          opts.Exit,
		ErrorCode:     opts.ErrorCode,
		ErrorName:     opts.ErrorName,
		Message:       opts.Message,
		Layout:        opts.Layout,
	}
	if opts.Duration > 0 {
		rec.Duration = opts.Duration.String()
	}
	if opts.Exception != nil {
		rec.Exception = hv.ExceptionName(*opts.Exception)
	}

	if src != nil {
		if regs, err := src.Registers(); err != nil {
			log.Warn("capture registers", zap.Error(err))
			rec.note("registers unavailable: %v", err)
		} else {
			rec.Regs = &regs
		}
		if sregs, err := src.SpecialRegisters(); err != nil {
			log.Warn("capture special registers", zap.Error(err))
			rec.note("special registers unavailable: %v", err)
		} else {
			rec.SpecialRegs = &sregs
		}
	} else {
		rec.note("no vCPU state available")
	}

	if opts.Unwind {
		switch {
		case rec.Regs == nil:
			rec.note("stack not unwound: no registers")
		case opts.Memory == nil || opts.Layout == nil:
			rec.note("stack not unwound: no guest memory")
		default:
			frames, err := Unwind(opts.Memory, opts.Layout.Stack, rec.Regs.RIP, rec.Regs.RBP, DefaultMaxFrames)
			if err != nil {
				log.Debug("stack unwind stopped early", zap.Error(err), zap.Int("frames", len(frames)))
				rec.note("stack unwind stopped: %v", err)
			}
			if opts.Symbols != nil {
				Symbolize(frames, opts.Symbols)
			}
			rec.Frames = frames
		}
	}

	if opts.Allocs != nil {
		stats := opts.Allocs.Stats()
		rec.Allocations = &stats
	}
	return rec
}
