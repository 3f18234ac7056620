package hdrivetcp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/soypat/hdrive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowDrive answers read requests in order with index*100+seq, where seq
// counts requests from 1. Requests whose seq is in slow are answered after
// delay.
func slowDrive(t *testing.T, delay time.Duration, slow map[int]bool) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var buf [hdrive.MaxElementSize]byte
		for seq := 1; ; seq++ {
			raw, err := hdrive.ReadElement(br, buf[:0])
			if err != nil {
				return
			}
			req, err := hdrive.DecodeRequest(raw)
			if err != nil || req.Kind != hdrive.RequestRead {
				return
			}
			if slow[seq] {
				time.Sleep(delay)
			}
			v := int32(req.Addr.Index)*100 + int32(seq)
			if _, err := conn.Write(hdrive.AppendReadResponse(nil, req.Addr, v)); err != nil {
				return
			}
		}
	}()
	return l.Addr().String()
}

func TestReadObjectLateResponse(t *testing.T) {
	const (
		short = 50 * time.Millisecond
		long  = 2 * time.Second
	)
	addr := slowDrive(t, 150*time.Millisecond, map[int]bool{1: true, 4: true})
	var cs connState
	ctx := context.Background()
	require.NoError(t, cs.dial(ctx, addr, time.Second))
	defer cs.close()

	_, err := cs.readObject(ctx, hdrive.Object(1, 1), short)
	var terr *hdrive.TimeoutError
	require.ErrorAs(t, err, &terr)

	// The late answer to m1s1 is skipped.
	v, err := cs.readObject(ctx, hdrive.Object(2, 2), long)
	require.NoError(t, err)
	assert.EqualValues(t, 202, v)

	v, err = cs.readObject(ctx, hdrive.Object(1, 1), long)
	require.NoError(t, err)
	assert.EqualValues(t, 103, v)

	// Same address: the stale answer must not be returned for the retry.
	_, err = cs.readObject(ctx, hdrive.Object(5, 5), short)
	require.ErrorAs(t, err, &terr)
	v, err = cs.readObject(ctx, hdrive.Object(5, 5), long)
	require.NoError(t, err)
	assert.EqualValues(t, 505, v)

	v, err = cs.readObject(ctx, hdrive.Object(3, 3), long)
	require.NoError(t, err)
	assert.EqualValues(t, 306, v)
	assert.Empty(t, cs.pending)
}
