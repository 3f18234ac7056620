package hdrivetcp

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/soypat/hdrive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerMalformedRequest(t *testing.T) {
	sv, cfg := newTestDrive(t, 270)
	conn, err := net.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort)))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(eventually))

	_, err = conn.Write([]byte(`<objRead a="x" b="1" /><objErase a="1" b="1" />`))
	require.NoError(t, err)
	_, err = conn.Write(hdrive.AppendReadRequest(nil, hdrive.ObjFirmwareVersion))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := hdrive.ReadElement(br, nil)
	require.NoError(t, err)
	v, err := hdrive.DecodeReadResponse(resp, hdrive.ObjFirmwareVersion)
	require.NoError(t, err)
	assert.EqualValues(t, 270, v)
	assert.Equal(t, 2, sv.ProtocolErrors())
	assert.True(t, sv.IsConnected())
}

func TestServerAcceptTimeout(t *testing.T) {
	sv, err := NewServer(ServerConfig{Address: "localhost:0", ConnectTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer sv.Close()
	assert.Error(t, sv.Accept(context.Background()))
	assert.False(t, sv.IsConnected())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sv.Accept(ctx))

	require.NoError(t, sv.Close())
	assert.ErrorIs(t, sv.Accept(context.Background()), net.ErrClosed)
}

func TestServerDefaultObjects(t *testing.T) {
	sv, err := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	v, err := sv.Objects().GetObject(hdrive.ObjFirmwareVersion)
	require.NoError(t, err)
	assert.EqualValues(t, hdrive.MinFirmwareVersion, v)

	_, err = NewServer(ServerConfig{Address: "drive"})
	assert.Error(t, err)
}
