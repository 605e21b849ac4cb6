package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
)

func TestPrintDump(t *testing.T) {
	color.NoColor = true

	rec := &diag.OutcomeRecord{
		FormatVersion: diag.FormatVersion,
		SandboxID:     "pid-1",
		Function:      "Crash",
		Outcome:       diag.OutcomeFaulted,
		Time:          time.Unix(0, 0).UTC(),
		Exit:          hv.Exit{Reason: hv.ExitShutdown},
		Exception:     "page fault",
		Regs:          &hv.Regs{RIP: 0x2010, RSP: 0x7ff8},
		Frames:        []diag.Frame{{Addr: 0x2010, Symbol: "crash", Offset: 0x10}},
		Allocations:   &diag.AllocStats{Allocs: 2, Frees: 1, LiveBytes: 32, LiveObjects: 1},
		Notes:         []string{"no symbols"},
	}
	path, err := diag.WriteDump(t.TempDir(), rec)
	require.NoError(t, err)

	loaded, err := diag.ReadDump(path)
	require.NoError(t, err)

	var buf bytes.Buffer
	printDump(&buf, loaded)
	out := buf.String()
	assert.Contains(t, out, "sandbox: pid-1")
	assert.Contains(t, out, "function: Crash")
	assert.Contains(t, out, "outcome: faulted")
	assert.Contains(t, out, "exception: page fault")
	assert.Contains(t, out, "0x0000000000002010")
	assert.Contains(t, out, "#0  0x2010 crash+0x10")
	assert.Contains(t, out, "2 allocs, 1 frees, 32 live bytes in 1 objects")
	assert.Contains(t, out, "note: no symbols")
}
