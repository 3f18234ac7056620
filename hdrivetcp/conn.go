package hdrivetcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/soypat/hdrive"
)

// aLongTimeAgo is a deadline in the past used to abort blocked socket calls.
var aLongTimeAgo = time.Unix(1, 0)

// connState is the command channel of a session. Its mutex is held for the
// full duration of one exchange so requests from concurrent callers are
// never interleaved on the stream.
type connState struct {
	mu    sync.Mutex
	addr  string
	conn  net.Conn
	br    *bufio.Reader
	txbuf [hdrive.MaxElementSize]byte
	rxbuf [hdrive.MaxElementSize]byte
	// pending counts reads per address whose response did not arrive before
	// their exchange failed. The drive answers in order so a late response
	// precedes the response to any later request.
	pending map[hdrive.ObjectAddress]int
}

func (cs *connState) dial(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return &hdrive.TimeoutError{Op: "dial " + addr, After: timeout}
		}
		return &hdrive.ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	cs.mu.Lock()
	cs.addr = addr
	cs.conn = conn
	cs.br = bufio.NewReaderSize(conn, 2*hdrive.MaxElementSize)
	cs.pending = make(map[hdrive.ObjectAddress]int)
	cs.mu.Unlock()
	return nil
}

// close closes the TCP socket. Calling close on a closed connState is a no-op.
// It does not wait for an in-flight exchange; the exchange fails instead.
func (cs *connState) close() error {
	cs.mu.Lock()
	conn := cs.conn
	cs.conn = nil
	cs.br = nil
	cs.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// shutdown aborts any in-flight exchange and closes the socket.
func (cs *connState) shutdown() error {
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	if conn != nil {
		conn.SetDeadline(aLongTimeAgo)
	}
	return cs.close()
}

// readObject performs one objRead exchange. Late responses to earlier
// failed reads are discarded before this read's response is decoded.
func (cs *connState) readObject(ctx context.Context, addr hdrive.ObjectAddress, timeout time.Duration) (v int32, err error) {
	op := "read " + addr.String()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conn == nil {
		return 0, hdrive.ErrNotConnected
	}
	release := cs.armDeadline(ctx, timeout)
	defer release()
	req := hdrive.AppendReadRequest(cs.txbuf[:0], addr)
	if _, err = cs.conn.Write(req); err != nil {
		return 0, cs.ioErr(ctx, op, timeout, err)
	}
	for {
		resp, err := hdrive.ReadElement(cs.br, cs.rxbuf[:0])
		if err != nil {
			if !isProtocolErr(err) {
				cs.pending[addr]++
			}
			return 0, cs.ioErr(ctx, op, timeout, err)
		}
		got, err := hdrive.ResponseAddress(resp)
		if err == nil && (got != addr || cs.pending[addr] > 0) {
			cs.dropLate(got)
			continue
		}
		return hdrive.DecodeReadResponse(resp, addr)
	}
}

// dropLate accounts for a discarded late response to a read of addr.
func (cs *connState) dropLate(addr hdrive.ObjectAddress) {
	switch n := cs.pending[addr]; {
	case n > 1:
		cs.pending[addr] = n - 1
	case n == 1:
		delete(cs.pending, addr)
	}
}

// send writes one request the drive does not answer. The lock is kept for
// settle afterwards so the drive has processed the request before the
// next one arrives.
func (cs *connState) send(ctx context.Context, op string, timeout, settle time.Duration, encode func(dst []byte) []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conn == nil {
		return hdrive.ErrNotConnected
	}
	release := cs.armDeadline(ctx, timeout)
	defer release()
	if _, err := cs.conn.Write(encode(cs.txbuf[:0])); err != nil {
		return cs.ioErr(ctx, op, timeout, err)
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	return nil
}

// armDeadline sets the socket deadline to the earlier of now+timeout and
// the context deadline, and aborts the exchange if ctx is cancelled. The
// returned function must be called before the lock is released.
func (cs *connState) armDeadline(ctx context.Context, timeout time.Duration) (release func()) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := cs.conn
	conn.SetDeadline(deadline)
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
	}
}

func (cs *connState) ioErr(ctx context.Context, op string, timeout time.Duration, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("hdrive: %s: %w", op, ctxErr)
	}
	var perr *hdrive.ProtocolError
	if errors.As(err, &perr) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &hdrive.TimeoutError{Op: op, After: timeout}
	}
	return &hdrive.ConnectionError{Op: op, Addr: cs.addr, Err: err}
}
