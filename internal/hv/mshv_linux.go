//go:build linux

package hv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	mshvDevice = "/dev/mshv"
	// mshvRootModule is only present with the upstream (v3) driver.
	mshvRootModule = "/sys/module/mshv_root"
)

func init() {
	register(MSHVv2, backend{probe: probeMSHV(MSHVv2), open: openMSHV(MSHVv2)})
	register(MSHVv3, backend{probe: probeMSHV(MSHVv3), open: openMSHV(MSHVv3)})
}

// mshvVersion reports which MSHV driver generation is loaded.
func mshvVersion() (Kind, error) {
	fd, err := unix.Open(mshvDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return KindNone, errnoErr("open "+mshvDevice, err)
	}
	unix.Close(fd)
	if _, err := os.Stat(mshvRootModule); err == nil {
		return MSHVv3, nil
	}
	return MSHVv2, nil
}

func probeMSHV(want Kind) func() error {
	return func() error {
		got, err := mshvVersion()
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: %s driver loaded, not %s", ErrHypervisorUnavailable, got, want)
		}
		return nil
	}
}

// TODO: implement MSHV partitions (MSHV_CREATE_PARTITION, vp register and
// run ioctls); only capability probing is wired today.
func openMSHV(k Kind) func(Options) (Partition, error) {
	return func(opts Options) (Partition, error) {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotImplemented, k)
	}
}
