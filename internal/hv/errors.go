package hv

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// HVError wraps a failed hypervisor operation and its errno.
type HVError struct {
	Op      string
	Errno   syscall.Errno
	message string // Optional custom message for specific errors
}

func (e *HVError) Error() string {
	if e.message != "" {
		return e.message
	}

	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *HVError) detailedError() string {
	var hint string
	switch e.Errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		hint = "hypervisor device not found - is the kvm/mshv module loaded?"
	case syscall.EACCES, syscall.EPERM:
		hint = "access denied - add the user to the kvm group or check device permissions"
	case syscall.ENOMEM:
		hint = "insufficient resources - host memory or locked memory limit exceeded"
	case syscall.EINVAL:
		hint = "invalid argument - check alignment and register values"
	case syscall.EEXIST:
		hint = "resource exists - memory slot or vCPU already created"
	case syscall.EBUSY:
		hint = "resource busy - another operation is in progress"
	case syscall.EFAULT:
		hint = "bad address - host buffer is not mapped"
	case syscall.EINTR:
		hint = "interrupted"
	case syscall.E2BIG:
		hint = "argument too large"
	default:
		hint = e.Errno.Error()
	}
	return fmt.Sprintf("hv: %s failed (errno %d): %s", e.Op, int(e.Errno), hint)
}

// sanitizedError provides minimal error information for production
func (e *HVError) sanitizedError() string {
	switch e.Errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return "hv: hypervisor unavailable"
	case syscall.EACCES, syscall.EPERM:
		return "hv: access denied"
	case syscall.ENOMEM:
		return "hv: insufficient resources"
	case syscall.EINVAL:
		return "hv: invalid argument"
	default:
		return "hv: hypervisor error"
	}
}

// Is maps errno classes onto the exported sentinels.
func (e *HVError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Errno == syscall.EACCES || e.Errno == syscall.EPERM
	case ErrHypervisorUnavailable:
		return e.Errno == syscall.ENOENT || e.Errno == syscall.ENODEV || e.Errno == syscall.ENXIO
	}
	return false
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("MVM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("MVM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func errnoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == 0 {
			return nil
		}
		return &HVError{Op: op, Errno: errno}
	}
	return fmt.Errorf("hv: %s: %w", op, err)
}

// Common specific errors for API consumers
var (
	ErrHypervisorUnavailable = &HVError{message: "hv: no hypervisor available"}
	ErrPermissionDenied      = &HVError{message: "hv: permission denied"}
	ErrBackendNotImplemented = &HVError{message: "hv: backend detected but partition creation is not implemented"}
	ErrPartitionClosed       = &HVError{message: "hv: partition is closed"}
	ErrInvalidAlignment      = &HVError{message: "hv: address not page-aligned"}
	ErrSlotInUse             = &HVError{message: "hv: memory slot already mapped"}
	ErrSlotNotMapped         = &HVError{message: "hv: memory slot not mapped"}
)
