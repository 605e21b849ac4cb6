package hv

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// backend is one entry of the closed backend set. Platform files fill in
// the entries they can support.
type backend struct {
	// probe returns nil when the backend is usable on this host.
	probe func() error
	open  func(Options) (Partition, error)
}

// probeOrder is the preference order when no backend is requested.
var probeOrder = []Kind{KVM, MSHVv3, MSHVv2, HyperV}

var backends = map[Kind]backend{}

func register(k Kind, b backend) {
	backends[k] = b
}

// Available returns the backends usable on this host in preference order.
func Available() []Kind {
	var out []Kind
	for _, k := range probeOrder {
		if b, ok := backends[k]; ok && b.probe() == nil {
			out = append(out, k)
		}
	}
	return out
}

// Probe returns the preferred usable backend. When none is usable the error
// of the most specific failure is returned, so a permission problem on
// /dev/kvm is not reported as a missing hypervisor.
func Probe() (Kind, error) {
	var firstErr error
	for _, k := range probeOrder {
		b, ok := backends[k]
		if !ok {
			continue
		}
		err := b.probe()
		if err == nil {
			return k, nil
		}
		if firstErr == nil || errors.Is(err, ErrPermissionDenied) {
			firstErr = err
		}
	}
	if firstErr == nil {
		return KindNone, ErrHypervisorUnavailable
	}
	if errors.Is(firstErr, ErrPermissionDenied) || errors.Is(firstErr, ErrHypervisorUnavailable) {
		return KindNone, firstErr
	}
	return KindNone, fmt.Errorf("%w: %v", ErrHypervisorUnavailable, firstErr)
}

// Open creates a partition on backend k, probing when k is KindNone.
func Open(k Kind, opts Options) (Partition, error) {
	if k == KindNone {
		var err error
		if k, err = Probe(); err != nil {
			return nil, err
		}
	}
	b, ok := backends[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not supported on this platform", ErrHypervisorUnavailable, k)
	}
	if err := b.probe(); err != nil {
		return nil, err
	}

	start := time.Now()
	p, err := b.open(opts)
	if err != nil {
		recordError(err)
		return nil, err
	}
	RecordCreate(time.Since(start))
	opts.logger().Debug("partition created", zap.Stringer("backend", k), zap.Duration("elapsed", time.Since(start)))
	return p, nil
}
