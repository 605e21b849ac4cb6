package microvm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

// Environment overrides applied by New to unset fields.
const (
	EnvCrashDumpDir = "MVM_CRASHDUMP_DIR"
	EnvBackend      = "MVM_BACKEND"
)

// maxSignalOffset keeps SIGRTMIN+offset below SIGRTMAX.
const maxSignalOffset = 30

// Config sizes and tunes a Sandbox. Zero sizes select the defaults.
type Config struct {
	// MemorySize is the committed guest memory. Zero derives it from the
	// region sizes.
	MemorySize     uint64 `mapstructure:"memory_size"`
	InputDataSize  uint64 `mapstructure:"input_data_size"`
	OutputDataSize uint64 `mapstructure:"output_data_size"`
	HeapSize       uint64 `mapstructure:"heap_size"`
	StackSize      uint64 `mapstructure:"stack_size"`

	// MaxExecutionTime bounds every guest call, including init. Zero means
	// only the caller's context bounds a call.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`

	// InterruptSignalOffset selects SIGRTMIN+offset to kick a running vCPU.
	InterruptSignalOffset int `mapstructure:"interrupt_signal_offset"`

	// GuestLogLevel is the lowest guest log level forwarded to the host.
	GuestLogLevel string `mapstructure:"guest_log_level"`

	// CrashDumpDir enables crash dumps for faulted calls.
	CrashDumpDir string `mapstructure:"crash_dump_dir"`
	// UnwindStacks walks the guest frame-pointer chain in crash records.
	UnwindStacks bool `mapstructure:"unwind_stacks"`

	// DebugListenAddr starts a debug listener for the sandbox, e.g.
	// "127.0.0.1:9999".
	DebugListenAddr string `mapstructure:"debug_listen_addr"`

	// Backend forces a hypervisor backend ("kvm", "mshv3", ...). Empty
	// probes.
	Backend string `mapstructure:"backend"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		InputDataSize:    mem.DefaultInputSize,
		OutputDataSize:   mem.DefaultOutputSize,
		HeapSize:         mem.DefaultHeapSize,
		StackSize:        mem.DefaultStackSize,
		MaxExecutionTime: 1 * time.Second,
		GuestLogLevel:    wire.LogInfo.String(),
	}
}

// ValidationError describes one invalid Config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks every field and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	sizes := []struct {
		name string
		v    uint64
	}{
		{"memory_size", c.MemorySize},
		{"input_data_size", c.InputDataSize},
		{"output_data_size", c.OutputDataSize},
		{"heap_size", c.HeapSize},
		{"stack_size", c.StackSize},
	}
	for _, s := range sizes {
		if s.v%mem.PageSize != 0 {
			add(s.name, "0x%x is not a multiple of the page size", s.v)
		}
	}
	if c.MaxExecutionTime < 0 {
		add("max_execution_time", "must not be negative")
	}
	if c.InterruptSignalOffset < 0 || c.InterruptSignalOffset > maxSignalOffset {
		add("interrupt_signal_offset", "must be between 0 and %d", maxSignalOffset)
	}
	if c.GuestLogLevel != "" {
		if _, err := wire.ParseLogLevel(c.GuestLogLevel); err != nil {
			add("guest_log_level", "%v", err)
		}
	}
	if c.Backend != "" {
		if _, err := hv.ParseKind(c.Backend); err != nil {
			add("backend", "%v", err)
		}
	}
	if c.DebugListenAddr != "" && !strings.Contains(c.DebugListenAddr, ":") {
		add("debug_listen_addr", "%q is not host:port", c.DebugListenAddr)
	}
	return errors.Join(errs...)
}

// withEnv fills unset fields from the environment.
func (c Config) withEnv() Config {
	if c.CrashDumpDir == "" {
		c.CrashDumpDir = os.Getenv(EnvCrashDumpDir)
	}
	if c.Backend == "" {
		c.Backend = os.Getenv(EnvBackend)
	}
	return c
}

func (c Config) layoutConfig() mem.LayoutConfig {
	return mem.LayoutConfig{
		MemorySize: c.MemorySize,
		InputSize:  c.InputDataSize,
		OutputSize: c.OutputDataSize,
		HeapSize:   c.HeapSize,
		StackSize:  c.StackSize,
	}
}

func (c Config) logLevel() wire.LogLevel {
	l, err := wire.ParseLogLevel(c.GuestLogLevel)
	if err != nil {
		return wire.LogInfo
	}
	return l
}

func (c Config) backend() hv.Kind {
	k, err := hv.ParseKind(c.Backend)
	if err != nil {
		return hv.KindNone
	}
	return k
}
