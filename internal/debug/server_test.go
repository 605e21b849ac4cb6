package debug_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blacktop/go-microvm/internal/debug"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type target struct{}

func (target) Registers() (hv.Regs, error) { return hv.Regs{RIP: 0x2000, RSP: 0x8000}, nil }

func (target) ReadMemory(addr, n uint64) ([]byte, error) {
	if addr == 0 {
		return nil, errors.New("out of bounds")
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(addr) + byte(i)
	}
	return b, nil
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	seq  int
}

func dial(t *testing.T, s *debug.Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	<-s.Attached()
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(command string, args any) {
	c.t.Helper()
	c.seq++
	req := map[string]any{"seq": c.seq, "type": "request", "command": command}
	if args != nil {
		req["arguments"] = args
	}
	require.NoError(c.t, debug.WriteMessage(c.conn, req))
}

func (c *client) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := debug.ReadMessage(c.r)
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(msg, &m))
	return m
}

func listen(t *testing.T) *debug.Server {
	t.Helper()
	s, err := debug.Listen("127.0.0.1:0", target{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestStopWithoutClient(t *testing.T) {
	s := listen(t)
	assert.NoError(t, s.Stop(context.Background(), "breakpoint"))
}

func TestSession(t *testing.T) {
	s := listen(t)
	c := dial(t, s)

	c.send("initialize", nil)
	resp := c.recv()
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "initialized", c.recv()["event"])

	// Registers are only served while stopped.
	c.send("registers", nil)
	resp = c.recv()
	assert.Equal(t, false, resp["success"])

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background(), "breakpoint") }()

	ev := c.recv()
	assert.Equal(t, "stopped", ev["event"])
	assert.Equal(t, map[string]any{"reason": "breakpoint"}, ev["body"])

	c.send("registers", nil)
	resp = c.recv()
	require.Equal(t, true, resp["success"], resp["message"])
	assert.Equal(t, float64(0x2000), resp["body"].(map[string]any)["rip"])

	c.send("readMemory", debug.ReadMemoryArguments{Address: 0x10, Count: 4})
	resp = c.recv()
	require.Equal(t, true, resp["success"], resp["message"])
	assert.Equal(t, "EBESEw==", resp["body"].(map[string]any)["data"])

	c.send("readMemory", debug.ReadMemoryArguments{Address: 0, Count: 4})
	resp = c.recv()
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "out of bounds", resp["message"])

	c.send("bogus", nil)
	assert.Equal(t, false, c.recv()["success"])

	select {
	case <-stopped:
		t.Fatal("Stop returned before continue")
	default:
	}

	c.send("continue", nil)
	assert.Equal(t, true, c.recv()["success"])
	require.NoError(t, <-stopped)

	c.send("disconnect", nil)
	assert.Equal(t, true, c.recv()["success"])

	// After the client left, stops no longer block.
	require.Eventually(t, func() bool {
		return s.Stop(context.Background(), "breakpoint") == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopHonorsContext(t *testing.T) {
	s := listen(t)
	c := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx, "breakpoint")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "stopped", c.recv()["event"])
}

func TestSingleClient(t *testing.T) {
	s := listen(t)
	_ = dial(t, s)

	_, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	assert.Error(t, err, "second client must be refused")
}
