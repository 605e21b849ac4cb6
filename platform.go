package microvm

import (
	"errors"

	"github.com/blacktop/go-microvm/internal/hv"
)

// Supported returns true if a hypervisor backend is available and
// accessible.
func Supported() (bool, error) {
	if _, err := hv.Probe(); err != nil {
		if errors.Is(err, hv.ErrHypervisorUnavailable) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Backends returns the names of the usable backends in preference order.
func Backends() []string {
	var names []string
	for _, k := range hv.Available() {
		names = append(names, k.String())
	}
	return names
}
