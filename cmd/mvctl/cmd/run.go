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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-microvm"
)

var (
	retType     string
	timeout     time.Duration
	repeat      int
	showPrints  bool
	showMetrics bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&retType, "ret", "r", "void", "result type (void, i32, u32, i64, u64, f32, f64, bool, string, bytes)")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per-call timeout (overrides max_execution_time)")
	runCmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "call the function n times on the same sandbox")
	runCmd.Flags().BoolVar(&showPrints, "prints", true, "copy guest debug prints to stderr")
	runCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print call metrics as JSON when done")
}

var runCmd = &cobra.Command{
	Use:   "run GUEST FUNCTION [TYPE:VALUE...]",
	Short: "Call a function in a guest binary",
	Long: `Load an ELF guest into a new sandbox and call one of its functions.

Arguments are TYPE:VALUE pairs, e.g. i32:42, string:hello or bytes:cafe.`,
	Example: `  mvctl run guest.elf Add i32:2 i32:3 --ret i32`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ret, err := parseTag(retType)
	if err != nil {
		return err
	}
	var callArgs []any
	for _, a := range args[2:] {
		v, err := parseArg(a)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, v)
	}

	cfg := config
	if timeout > 0 {
		cfg.MaxExecutionTime = timeout
	}
	guest, err := microvm.GuestFromFile(args[0])
	if err != nil {
		return err
	}

	rec := microvm.NewAtomicRecorder()
	microvm.SetRecorder(rec)

	var opts []microvm.Option
	if showPrints {
		opts = append(opts, microvm.WithDebugOutput(os.Stderr))
	}
	sb, err := microvm.New(guest, cfg, opts...)
	if err != nil {
		return err
	}
	defer sb.Close()
	if addr := sb.DebugAddr(); addr != "" {
		fmt.Fprintf(os.Stderr, "debugger listening on %s\n", addr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	for i := 0; i < repeat; i++ {
		start := time.Now()
		v, err := sb.Call(ctx, args[1], ret, callArgs...)
		if err != nil {
			printCallError(err)
			return fmt.Errorf("%s failed", args[1])
		}
		fmt.Println(formatValue(v))
		logger.Sugar().Debugf("call %d took %s", i+1, time.Since(start))
	}

	if showMetrics {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Calls      microvm.RecorderSnapshot `json:"calls"`
			Hypervisor microvm.Metrics          `json:"hypervisor"`
		}{rec.Snapshot(), microvm.GetMetrics()})
	}
	return nil
}

func printCallError(err error) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	var e *microvm.Error
	if !errors.As(err, &e) {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", red(string(e.Kind)+":"), e.Detail)
	if code, ok := microvm.GuestErrorCode(err); ok {
		fmt.Fprintf(os.Stderr, "  guest error: %s (%d)\n", code, uint64(code))
	}
	if e.Cause != nil {
		fmt.Fprintf(os.Stderr, "  cause: %v\n", e.Cause)
	}
	if e.DumpPath != "" {
		fmt.Fprintf(os.Stderr, "  crash dump: %s\n", color.YellowString(e.DumpPath))
	}
}
