//go:build windows

package hv

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	winHvPlatform    = windows.NewLazySystemDLL("WinHvPlatform.dll")
	whvGetCapability = winHvPlatform.NewProc("WHvGetCapability")
)

// WHV_CAPABILITY_CODE values.
const whvCapabilityCodeHypervisorPresent = 0x00000000

func init() {
	register(HyperV, backend{probe: probeWHP, open: openWHP})
}

// probeWHP asks the Windows Hypervisor Platform whether a hypervisor is
// running.
func probeWHP() error {
	if err := whvGetCapability.Find(); err != nil {
		return fmt.Errorf("%w: %v", ErrHypervisorUnavailable, err)
	}
	var present uint32
	var written uint32
	hr, _, _ := whvGetCapability.Call(
		whvCapabilityCodeHypervisorPresent,
		uintptr(unsafe.Pointer(&present)),
		unsafe.Sizeof(present),
		uintptr(unsafe.Pointer(&written)),
	)
	if int32(hr) < 0 {
		return fmt.Errorf("%w: WHvGetCapability HRESULT 0x%08x", ErrHypervisorUnavailable, uint32(hr))
	}
	if present == 0 {
		return fmt.Errorf("%w: Windows Hypervisor Platform is not enabled", ErrHypervisorUnavailable)
	}
	return nil
}

func openWHP(Options) (Partition, error) {
	return nil, fmt.Errorf("%w: %s", ErrBackendNotImplemented, HyperV)
}
