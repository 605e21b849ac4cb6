/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blacktop/go-microvm"
)

// envPrefix makes MVM_HEAP_SIZE, MVM_BACKEND, ... override the file.
const envPrefix = "MVM"

// loadConfig reads the sandbox configuration from defaults, an optional
// config file and the environment.
func loadConfig(path string) (microvm.Config, error) {
	v := viper.New()

	defaults := microvm.DefaultConfig()
	v.SetDefault("memory_size", defaults.MemorySize)
	v.SetDefault("input_data_size", defaults.InputDataSize)
	v.SetDefault("output_data_size", defaults.OutputDataSize)
	v.SetDefault("heap_size", defaults.HeapSize)
	v.SetDefault("stack_size", defaults.StackSize)
	v.SetDefault("max_execution_time", defaults.MaxExecutionTime)
	v.SetDefault("interrupt_signal_offset", defaults.InterruptSignalOffset)
	v.SetDefault("guest_log_level", defaults.GuestLogLevel)
	v.SetDefault("crash_dump_dir", defaults.CrashDumpDir)
	v.SetDefault("unwind_stacks", defaults.UnwindStacks)
	v.SetDefault("debug_listen_addr", defaults.DebugListenAddr)
	v.SetDefault("backend", defaults.Backend)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mvctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "mvctl"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Same variable names the library reads.
	if err := v.BindEnv("crash_dump_dir", microvm.EnvCrashDumpDir); err != nil {
		return microvm.Config{}, err
	}
	if err := v.BindEnv("backend", microvm.EnvBackend); err != nil {
		return microvm.Config{}, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return microvm.Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg microvm.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return microvm.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return microvm.Config{}, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("loaded config", zap.String("file", used))
	}
	return cfg, nil
}
