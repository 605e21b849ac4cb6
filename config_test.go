package microvm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(mem.DefaultHeapSize), cfg.HeapSize)
	assert.Equal(t, wire.LogInfo, cfg.logLevel())
	assert.Equal(t, hv.KindNone, cfg.backend())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"unaligned heap", func(c *Config) { c.HeapSize = 0x1001 }, "heap_size"},
		{"unaligned memory", func(c *Config) { c.MemorySize = 0x10 }, "memory_size"},
		{"negative timeout", func(c *Config) { c.MaxExecutionTime = -time.Second }, "max_execution_time"},
		{"signal offset", func(c *Config) { c.InterruptSignalOffset = 31 }, "interrupt_signal_offset"},
		{"log level", func(c *Config) { c.GuestLogLevel = "loud" }, "guest_log_level"},
		{"backend", func(c *Config) { c.Backend = "vmware" }, "backend"},
		{"debug address", func(c *Config) { c.DebugListenAddr = "localhost" }, "debug_listen_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConfigValidateReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackSize = 1
	cfg.Backend = "nope"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stack_size")
	assert.Contains(t, err.Error(), "backend")
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvCrashDumpDir, "/var/crash/mvm")
	t.Setenv(EnvBackend, "kvm")

	cfg := DefaultConfig().withEnv()
	assert.Equal(t, "/var/crash/mvm", cfg.CrashDumpDir)
	assert.Equal(t, hv.KVM, cfg.backend())

	explicit := DefaultConfig()
	explicit.CrashDumpDir = "/tmp/dumps"
	explicit.Backend = "mshv3"
	explicit = explicit.withEnv()
	assert.Equal(t, "/tmp/dumps", explicit.CrashDumpDir)
	assert.Equal(t, hv.MSHVv3, explicit.backend())
}

func TestConfigLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackSize = 0x20000
	l, err := mem.NewLayout(cfg.layoutConfig(), 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000), l.Stack.Size)
	assert.Equal(t, uint64(mem.DefaultInputSize), l.Input.Size)
}
