package hdrive

import (
	"bufio"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectRequests(t *testing.T) {
	got := AppendReadRequest(nil, ObjTicketProtocol)
	assert.Equal(t, `<objRead a="4" b="22" />`, string(got))

	got = AppendWriteRequest(nil, ObjTicketProtocol, 2)
	assert.Equal(t, `<objWrite a="4" b="22" c="2" />`, string(got))

	got = AppendWriteRequest(got[:0], Object(4, 17), -12)
	assert.Equal(t, `<objWrite a="4" b="17" c="-12" />`, string(got))
}

func TestDecodeReadResponse(t *testing.T) {
	testCases := []struct {
		desc     string
		resp     string
		addr     ObjectAddress
		want     int32
		wantErr  bool
		rejected bool
	}{
		{desc: "ok", resp: `<r a="4" b="22" v="2" />`, addr: ObjTicketProtocol, want: 2},
		{desc: "firmware", resp: `<r a="3" b="0" v="266" />`, addr: ObjFirmwareVersion, want: 266},
		{desc: "negative", resp: `<r a="9" b="1" v="-40" />`, addr: Object(9, 1), want: -40},
		{desc: "trailing newline", resp: "<r a=\"4\" b=\"17\" v=\"1001\" />\r\n", addr: ObjUDPPort, want: 1001},
		{desc: "echo mismatch", resp: `<r a="4" b="21" v="2" />`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "bad terminator", resp: `<r a="4" b="22" v="2" >`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "missing value", resp: `<r a="4" b="22" />`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "not a number", resp: `<r a="4" b="22" v="two" />`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "overflow", resp: `<r a="4" b="22" v="4294967296" />`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "wrong element", resp: `<objRead a="4" b="22" />`, addr: ObjTicketProtocol, wantErr: true},
		{desc: "drive error", resp: `<r a="4" b="99" error="unknown object" />`, addr: Object(4, 99), wantErr: true, rejected: true},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			v, err := DecodeReadResponse([]byte(tC.resp), tC.addr)
			if !tC.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tC.want, v)
				return
			}
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tC.rejected, perr.Rejected)
			assert.NotEmpty(t, perr.Data)
		})
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := AppendErrorResponse(nil, Object(7, 7), `bad "value" & more`)
	_, err := DecodeReadResponse(resp, Object(7, 7))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Rejected)
	assert.Contains(t, perr.Reason, `bad \"value\" & more`)
}

func TestCommandEncoding(t *testing.T) {
	got := EncodeCommand(CommandFrame{
		Mode:     ModePosition,
		Position: 900,
		Speed:    500,
		Torque:   500,
		Acc:      3000,
		Decc:     3000,
	})
	const want = `<control pos="00000000900" speed="00000000500" torque="00000000500" mode="129" acc="00000003000" decc="00000003000" />`
	assert.Equal(t, want, string(got))
	assert.Len(t, got, CommandFrameSize)

	got = EncodeCommand(CommandFrame{Mode: ModeDisable, Position: -5})
	assert.Equal(t, `<control pos="-0000000005" speed="00000000000" torque="00000000000" mode="000" acc="00000000000" decc="00000000000" />`, string(got))
}

func TestCommandFixedLength(t *testing.T) {
	frames := []CommandFrame{
		{},
		{Mode: ModeTorque, Torque: 1000},
		{Mode: ModeVelocity, Speed: -3000, Torque: 200, Acc: 5000, Decc: 5000},
		{Mode: ModePosition, Position: math.MaxInt32, Speed: math.MinInt32, Torque: -1, Acc: 1, Decc: math.MaxInt32},
		{Mode: Mode(255), Position: math.MinInt32},
	}
	for _, f := range frames {
		b := EncodeCommand(f)
		require.Len(t, b, CommandFrameSize, "frame %+v encoded as %q", f, b)
		got, err := DecodeCommand(b)
		require.NoError(t, err)
		if diff := cmp.Diff(f, got); diff != "" {
			t.Errorf("command round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestResponseAddress(t *testing.T) {
	got, err := ResponseAddress(AppendReadResponse(nil, Object(4, 17), 1001))
	require.NoError(t, err)
	assert.Equal(t, Object(4, 17), got)

	got, err = ResponseAddress(AppendErrorResponse(nil, Object(9, 9), "unknown"))
	require.NoError(t, err)
	assert.Equal(t, Object(9, 9), got)

	_, err = ResponseAddress(AppendReadRequest(nil, Object(4, 17)))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestDecodeCommandErrors(t *testing.T) {
	good := EncodeCommand(CommandFrame{Mode: ModeVelocity, Speed: 10})
	var perr *ProtocolError

	_, err := DecodeCommand(good[:len(good)-1])
	require.ErrorAs(t, err, &perr)

	bad := []byte(strings.Replace(string(good), "speed=", "speex=", 1))
	_, err = DecodeCommand(bad)
	require.ErrorAs(t, err, &perr)

	bad = []byte(strings.Replace(string(good), "control", "contral", 1))
	_, err = DecodeCommand(bad)
	require.ErrorAs(t, err, &perr)
}

func TestDecodeRequest(t *testing.T) {
	cmd := CommandFrame{Mode: ModeTorque, Torque: 300}
	testCases := []struct {
		raw  []byte
		want Request
	}{
		{raw: AppendReadRequest(nil, ObjFirmwareVersion), want: Request{Kind: RequestRead, Addr: ObjFirmwareVersion}},
		{raw: AppendWriteRequest(nil, ObjAutosend, 1), want: Request{Kind: RequestWrite, Addr: ObjAutosend, Value: 1}},
		{raw: EncodeCommand(cmd), want: Request{Kind: RequestCommand, Command: cmd}},
	}
	for _, tC := range testCases {
		t.Run(tC.want.String(), func(t *testing.T) {
			got, err := DecodeRequest(tC.raw)
			require.NoError(t, err)
			if diff := cmp.Diff(tC.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
	_, err := DecodeRequest([]byte(`<objErase a="1" b="1" />`))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestReadElement(t *testing.T) {
	stream := "\r\n garbage<r a=\"1\" b=\"2\" v=\"3\" /><objRead a=\"4\" b=\"5\" />"
	br := bufio.NewReader(strings.NewReader(stream))
	var buf [MaxElementSize]byte

	el, err := ReadElement(br, buf[:0])
	require.NoError(t, err)
	assert.Equal(t, `<r a="1" b="2" v="3" />`, string(el))

	el, err = ReadElement(br, buf[:0])
	require.NoError(t, err)
	assert.Equal(t, `<objRead a="4" b="5" />`, string(el))

	_, err = ReadElement(br, buf[:0])
	assert.ErrorIs(t, err, io.EOF)

	br = bufio.NewReader(strings.NewReader(`<r a="1" b=`))
	_, err = ReadElement(br, buf[:0])
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	br = bufio.NewReader(strings.NewReader("<" + strings.Repeat("x", 2*MaxElementSize)))
	_, err = ReadElement(br, buf[:0])
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr), "want protocol error, got %v", err)
}

func TestDegreesToPosition(t *testing.T) {
	testCases := []struct {
		deg  float64
		want int32
	}{
		{90, 900},
		{0, 0},
		{-45.5, -455},
		{12.34, 123},
		{0.06, 1},
		{1e12, math.MaxInt32},
		{-1e12, math.MinInt32},
	}
	for _, tC := range testCases {
		assert.Equal(t, tC.want, DegreesToPosition(tC.deg), "degrees %v", tC.deg)
	}
}
