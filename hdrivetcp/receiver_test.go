package hdrivetcp

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// failingConn is a telemetry socket whose reads always fail with a
// non-timeout error until it is closed.
type failingConn struct {
	net.PacketConn
	reads  atomic.Int64
	closed atomic.Bool
}

func (fc *failingConn) ReadFrom(b []byte) (int, net.Addr, error) {
	fc.reads.Add(1)
	if fc.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	return 0, nil, errors.New("connection refused")
}

func (fc *failingConn) SetReadDeadline(time.Time) error { return nil }
func (fc *failingConn) LocalAddr() net.Addr            { return &net.UDPAddr{Port: 1001} }
func (fc *failingConn) Close() error {
	fc.closed.Store(true)
	return nil
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.b.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.b.String()
}

func TestReceiverReadErrorBackoff(t *testing.T) {
	const tick = 20 * time.Millisecond
	var logs syncBuffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	conn := &failingConn{}
	hub := &telemetryHub{log: log}
	r := startReceiver(conn, hub, tick, log)

	time.Sleep(10 * tick)
	require.NoError(t, r.shutdown(time.Second))

	// One read per tick, not a busy loop.
	assert.LessOrEqual(t, conn.reads.Load(), int64(15))
	assert.Equal(t, 1, strings.Count(logs.String(), "telemetry read failed"))
}
