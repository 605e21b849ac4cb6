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
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-microvm/internal/diag"
)

var dumpJSON bool

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().BoolVarP(&dumpJSON, "json", "j", false, "print the raw record as JSON")
}

var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Print a crash dump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := diag.ReadDump(args[0])
		if err != nil {
			return err
		}
		if dumpJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		printDump(os.Stdout, rec)
		return nil
	},
}

func printDump(w io.Writer, rec *diag.OutcomeRecord) {
	bold := color.New(color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", bold("sandbox:"), rec.SandboxID)
	if rec.Backend != "" {
		fmt.Fprintf(w, "%s %s\n", bold("backend:"), rec.Backend)
	}
	if rec.Function != "" {
		fmt.Fprintf(w, "%s %s\n", bold("function:"), rec.Function)
	}
	fmt.Fprintf(w, "%s %s at %s", bold("outcome:"), red(string(rec.Outcome)), rec.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	if rec.Duration != "" {
		fmt.Fprintf(w, " after %s", rec.Duration)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", bold("exit:"), rec.Exit)
	if rec.Exception != "" {
		fmt.Fprintf(w, "%s %s\n", bold("exception:"), red(rec.Exception))
	}
	if rec.ErrorName != "" || rec.ErrorCode != 0 {
		fmt.Fprintf(w, "%s %s (%d)\n", bold("error:"), rec.ErrorName, rec.ErrorCode)
	}
	if rec.Message != "" {
		fmt.Fprintf(w, "%s %s\n", bold("message:"), rec.Message)
	}

	if r := rec.Regs; r != nil {
		fmt.Fprintln(w, bold("registers:"))
		regs := []struct {
			name string
			val  uint64
		}{
			{"rax", r.RAX}, {"rbx", r.RBX}, {"rcx", r.RCX}, {"rdx", r.RDX},
			{"rsi", r.RSI}, {"rdi", r.RDI}, {"rsp", r.RSP}, {"rbp", r.RBP},
			{"r8", r.R8}, {"r9", r.R9}, {"r10", r.R10}, {"r11", r.R11},
			{"r12", r.R12}, {"r13", r.R13}, {"r14", r.R14}, {"r15", r.R15},
			{"rip", r.RIP}, {"rflags", r.RFLAGS},
		}
		for i, reg := range regs {
			fmt.Fprintf(w, "  %6s %s", reg.name, cyan(fmt.Sprintf("0x%016x", reg.val)))
			if i%4 == 3 || i == len(regs)-1 {
				fmt.Fprintln(w)
			}
		}
	}
	if s := rec.SpecialRegs; s != nil {
		fmt.Fprintf(w, "  %6s %#x  %6s %#x  %6s %#x  %6s %#x  %6s %#x\n",
			"cr0", s.CR0, "cr2", s.CR2, "cr3", s.CR3, "cr4", s.CR4, "efer", s.EFER)
	}

	if len(rec.Frames) > 0 {
		fmt.Fprintln(w, bold("backtrace:"))
		for i, f := range rec.Frames {
			fmt.Fprintf(w, "  #%-2d %s\n", i, f)
		}
	}
	if a := rec.Allocations; a != nil {
		fmt.Fprintf(w, "%s %d allocs, %d frees, %d live bytes in %d objects\n",
			bold("allocations:"), a.Allocs, a.Frees, a.LiveBytes, a.LiveObjects)
	}
	for _, n := range rec.Notes {
		fmt.Fprintf(w, "%s %s\n", color.YellowString("note:"), n)
	}
}
