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
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-microvm"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check hypervisor support and access",
	RunE: func(cmd *cobra.Command, args []string) error {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		ok, err := microvm.Supported()
		switch {
		case err != nil:
			fmt.Printf("hypervisor: %s %v\n", red("error"), err)
		case ok:
			fmt.Printf("hypervisor: %s\n", green("available"))
		default:
			fmt.Printf("hypervisor: %s\n", red("unavailable"))
		}

		if backends := microvm.Backends(); len(backends) > 0 {
			fmt.Printf("backends:   %s\n", strings.Join(backends, ", "))
		} else {
			fmt.Println("backends:   none")
		}

		for _, dev := range []string{"/dev/kvm", "/dev/mshv"} {
			f, err := os.OpenFile(dev, os.O_RDWR, 0)
			switch {
			case err == nil:
				f.Close()
				fmt.Printf("%-11s %s\n", dev+":", green("read/write"))
			case os.IsNotExist(err):
				fmt.Printf("%-11s missing\n", dev+":")
			default:
				fmt.Printf("%-11s %s\n", dev+":", red(err))
			}
		}

		fmt.Printf("config:     backend=%q max_execution_time=%s crash_dump_dir=%q\n",
			config.Backend, config.MaxExecutionTime, config.CrashDumpDir)
		return nil
	},
}
