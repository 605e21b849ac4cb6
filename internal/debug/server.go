// Package debug serves a minimal debugger protocol for one guest. A single
// client may attach; while it is attached, DebugBreak exits stop the vCPU
// thread until the client continues or disconnects.
package debug

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/blacktop/go-microvm/internal/hv"
)

// Target is the guest being debugged.
type Target interface {
	Registers() (hv.Regs, error)
	ReadMemory(addr, n uint64) ([]byte, error)
}

// Server is a debug listener. It accepts exactly one connection.
type Server struct {
	ln     net.Listener
	target Target
	log    *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	seq      int
	stopped  bool
	closing  bool
	resume   chan struct{}
	attached chan struct{}
	gone     chan struct{}

	wg sync.WaitGroup
}

// Listen starts listening on addr. The connection is accepted in the
// background.
func Listen(addr string, target Target, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug: listen: %w", err)
	}
	s := &Server{
		ln:       ln,
		target:   target,
		log:      log,
		resume:   make(chan struct{}, 1),
		attached: make(chan struct{}),
		gone:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	log.Info("debug server listening", zap.Stringer("addr", ln.Addr()))
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Attached is closed once a client connects.
func (s *Server) Attached() <-chan struct{} { return s.attached }

func (s *Server) serve() {
	defer s.wg.Done()
	defer close(s.gone)

	conn, err := s.ln.Accept()
	// One client only.
	s.ln.Close()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Warn("debug accept failed", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	close(s.attached)
	s.log.Info("debugger attached", zap.Stringer("remote", conn.RemoteAddr()))
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("debug read failed", zap.Error(err))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			s.log.Warn("debug request malformed", zap.Error(err))
			return
		}
		if !s.handle(req) {
			return
		}
	}
}

// handle answers req and reports whether the session continues.
func (s *Server) handle(req Request) bool {
	s.log.Debug("debug request", zap.String("command", req.Command), zap.Int("seq", req.Seq))
	switch req.Command {
	case "initialize":
		s.respond(req, nil, map[string]bool{"supportsReadMemoryRequest": true})
		s.event("initialized", nil)
	case "registers":
		if !s.isStopped() {
			s.respond(req, errors.New("guest is running"), nil)
			break
		}
		regs, err := s.target.Registers()
		s.respond(req, err, regs)
	case "readMemory":
		if !s.isStopped() {
			s.respond(req, errors.New("guest is running"), nil)
			break
		}
		var args ReadMemoryArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			s.respond(req, fmt.Errorf("bad arguments: %w", err), nil)
			break
		}
		data, err := s.target.ReadMemory(args.Address, args.Count)
		s.respond(req, err, ReadMemoryBody{Address: args.Address, Data: data})
	case "continue":
		s.respond(req, nil, nil)
		s.cont()
	case "disconnect":
		s.respond(req, nil, nil)
		return false
	default:
		s.respond(req, fmt.Errorf("unknown command %q", req.Command), nil)
	}
	return true
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) cont() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Server) respond(req Request, err error, body any) {
	resp := Response{Type: "response", RequestSeq: req.Seq, Command: req.Command, Success: err == nil, Body: body}
	if err != nil {
		resp.Message = err.Error()
		resp.Body = nil
	}
	s.send(func(seq int) any { resp.Seq = seq; return resp })
}

func (s *Server) event(name string, body any) {
	s.send(func(seq int) any { return Event{Seq: seq, Type: "event", Event: name, Body: body} })
}

func (s *Server) send(build func(seq int) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.seq++
	if err := WriteMessage(s.conn, build(s.seq)); err != nil {
		s.log.Warn("debug write failed", zap.Error(err))
	}
}

// Stop reports a stop to the attached client and blocks until it continues,
// disconnects or ctx is done. Without a client it returns immediately.
func (s *Server) Stop(ctx context.Context, reason string) error {
	select {
	case <-s.attached:
	default:
		return nil
	}
	select {
	case <-s.gone:
		return nil
	default:
	}

	// Drop a continue sent while the guest was running.
	select {
	case <-s.resume:
	default:
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopped = false
		s.mu.Unlock()
	}()

	s.event("stopped", StoppedBody{Reason: reason})
	select {
	case <-s.resume:
		return nil
	case <-s.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the listener and any session down.
func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.mu.Lock()
	s.closing = true
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
