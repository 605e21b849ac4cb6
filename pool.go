package microvm

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("microvm: pool closed")

// Pool keeps a fixed number of warm sandboxes for one guest.
type Pool struct {
	guest *Guest
	cfg   Config
	opts  []Option
	log   *zap.Logger

	idle chan *Sandbox

	mu     sync.Mutex
	closed bool
	all    map[*Sandbox]struct{}
}

// NewPool creates size sandboxes in parallel. If any fails, the others are
// closed and the first error is returned.
func NewPool(ctx context.Context, guest *Guest, cfg Config, size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, newError(KindSetup, "pool", nil, "size must be positive, got %d", size)
	}
	p := &Pool{
		guest: guest,
		cfg:   cfg,
		opts:  opts,
		log:   Logger(),
		idle:  make(chan *Sandbox, size),
		all:   make(map[*Sandbox]struct{}, size),
	}

	sandboxes := make([]*Sandbox, size)
	g, ctx := errgroup.WithContext(ctx)
	for i := range sandboxes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sb, err := New(guest, cfg, opts...)
			if err != nil {
				return err
			}
			sandboxes[i] = sb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sb := range sandboxes {
			if sb != nil {
				_ = sb.Close()
			}
		}
		return nil, err
	}

	for _, sb := range sandboxes {
		p.all[sb] = struct{}{}
		p.idle <- sb
	}
	return p, nil
}

// Get takes a warm sandbox, waiting until one is returned or ctx is done.
func (p *Pool) Get(ctx context.Context) (*Sandbox, error) {
	select {
	case sb, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns sb to the pool. It is reset first; a poisoned sandbox, or one
// that cannot be reset, is closed and replaced by a fresh one.
func (p *Pool) Put(sb *Sandbox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.all[sb]; !ok {
		p.log.Warn("sandbox returned to a pool it does not belong to", zap.String("sandbox", sb.ID()))
		return
	}
	if p.closed {
		delete(p.all, sb)
		_ = sb.Close()
		return
	}

	if err := sb.Reset(); err != nil {
		p.log.Info("replacing sandbox", zap.String("sandbox", sb.ID()), zap.Error(err))
		delete(p.all, sb)
		_ = sb.Close()

		fresh, err := New(p.guest, p.cfg, p.opts...)
		if err != nil {
			p.log.Error("replace pooled sandbox", zap.Error(err))
			return
		}
		p.all[fresh] = struct{}{}
		sb = fresh
	}
	p.idle <- sb
}

// Size returns the number of sandboxes the pool owns.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Close closes every sandbox. Sandboxes still checked out are closed when
// they are put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)

	var errs []error
	for sb := range p.idle {
		delete(p.all, sb)
		errs = append(errs, sb.Close())
	}
	return errors.Join(errs...)
}
