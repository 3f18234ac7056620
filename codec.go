package hdrive

import (
	"bufio"
	"encoding/xml"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
)

// MaxElementSize is the largest element accepted on the command channel.
const MaxElementSize = 256

// Fixed text of the command frame. Each int32 field is padded to
// fieldWidth characters and the mode to modeWidth so the frame length
// does not depend on the values or the mode.
const (
	fieldWidth = 11 // len("-2147483648")
	modeWidth  = 3

	cmdOpen   = `<control pos="`
	cmdSpeed  = `" speed="`
	cmdTorque = `" torque="`
	cmdMode   = `" mode="`
	cmdAcc    = `" acc="`
	cmdDecc   = `" decc="`
	cmdClose  = `" />`

	// CommandFrameSize is the length in bytes of every encoded command frame.
	CommandFrameSize = len(cmdOpen) + len(cmdSpeed) + len(cmdTorque) + len(cmdMode) +
		len(cmdAcc) + len(cmdDecc) + len(cmdClose) + 5*fieldWidth + modeWidth
)

// CommandFrame is one motion command. All fields are always transmitted;
// fields the active Mode does not use are ignored by the drive.
type CommandFrame struct {
	Mode Mode
	// Position setpoint in tenths of a degree.
	Position int32
	Speed    int32
	// Torque limit or setpoint, 1000 is 100%.
	Torque int32
	Acc    int32
	Decc   int32
}

// DegreesToPosition converts degrees to the drive's position unit.
func DegreesToPosition(deg float64) int32 {
	v := math.Round(deg * 10)
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

// AppendReadRequest appends the request for the current value at addr to dst.
func AppendReadRequest(dst []byte, addr ObjectAddress) []byte {
	dst = append(dst, `<objRead a="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Index), 10)
	dst = append(dst, `" b="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Subindex), 10)
	return append(dst, `" />`...)
}

// AppendWriteRequest appends the request setting addr to value to dst. The
// value is not range checked, the drive decides whether to accept it.
func AppendWriteRequest(dst []byte, addr ObjectAddress, value int32) []byte {
	dst = append(dst, `<objWrite a="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Index), 10)
	dst = append(dst, `" b="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Subindex), 10)
	dst = append(dst, `" c="`...)
	dst = strconv.AppendInt(dst, int64(value), 10)
	return append(dst, `" />`...)
}

// AppendReadResponse appends the drive's answer to a read request. It is
// the inverse of DecodeReadResponse and is used by the drive simulator.
func AppendReadResponse(dst []byte, addr ObjectAddress, value int32) []byte {
	dst = append(dst, `<r a="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Index), 10)
	dst = append(dst, `" b="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Subindex), 10)
	dst = append(dst, `" v="`...)
	dst = strconv.AppendInt(dst, int64(value), 10)
	return append(dst, `" />`...)
}

// AppendErrorResponse appends a read rejection for addr.
func AppendErrorResponse(dst []byte, addr ObjectAddress, reason string) []byte {
	dst = append(dst, `<r a="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Index), 10)
	dst = append(dst, `" b="`...)
	dst = strconv.AppendUint(dst, uint64(addr.Subindex), 10)
	dst = append(dst, `" error="`...)
	var sb strings.Builder
	xml.EscapeText(&sb, []byte(reason))
	dst = append(dst, sb.String()...)
	return append(dst, `" />`...)
}

// AppendCommand appends the fixed width encoding of frame to dst. Exactly
// CommandFrameSize bytes are appended.
func AppendCommand(dst []byte, frame CommandFrame) []byte {
	dst = append(dst, cmdOpen...)
	dst = appendPadded(dst, int64(frame.Position), fieldWidth)
	dst = append(dst, cmdSpeed...)
	dst = appendPadded(dst, int64(frame.Speed), fieldWidth)
	dst = append(dst, cmdTorque...)
	dst = appendPadded(dst, int64(frame.Torque), fieldWidth)
	dst = append(dst, cmdMode...)
	dst = appendPadded(dst, int64(frame.Mode), modeWidth)
	dst = append(dst, cmdAcc...)
	dst = appendPadded(dst, int64(frame.Acc), fieldWidth)
	dst = append(dst, cmdDecc...)
	dst = appendPadded(dst, int64(frame.Decc), fieldWidth)
	return append(dst, cmdClose...)
}

// EncodeCommand returns the encoded command frame.
func EncodeCommand(frame CommandFrame) []byte {
	return AppendCommand(make([]byte, 0, CommandFrameSize), frame)
}

// appendPadded appends v zero padded to width characters, sign included.
func appendPadded(dst []byte, v int64, width int) []byte {
	var buf [24]byte
	digits := strconv.AppendInt(buf[:0], v, 10)
	neg := v < 0
	if neg {
		dst = append(dst, '-')
		digits = digits[1:]
		width--
	}
	for i := len(digits); i < width; i++ {
		dst = append(dst, '0')
	}
	return append(dst, digits...)
}

// element holds the attributes of any element used on the command channel.
type element struct {
	XMLName xml.Name
	A       string `xml:"a,attr"`
	B       string `xml:"b,attr"`
	C       string `xml:"c,attr"`
	V       string `xml:"v,attr"`
	Err     string `xml:"error,attr"`
	Pos     string `xml:"pos,attr"`
	Speed   string `xml:"speed,attr"`
	Torque  string `xml:"torque,attr"`
	Mode    string `xml:"mode,attr"`
	Acc     string `xml:"acc,attr"`
	Decc    string `xml:"decc,attr"`
}

func parseElement(op string, b []byte) (el element, err error) {
	if len(b) > MaxElementSize {
		return el, protoErr(op, "element exceeds maximum size", b)
	}
	trimmed := strings.TrimSpace(string(b))
	if !strings.HasPrefix(trimmed, "<") || !strings.HasSuffix(trimmed, "/>") {
		return el, protoErr(op, "malformed terminator", b)
	}
	if err = xml.Unmarshal([]byte(trimmed), &el); err != nil {
		return el, protoErr(op, "malformed element: "+err.Error(), b)
	}
	return el, nil
}

func parseAddr(op string, el element, raw []byte) (ObjectAddress, error) {
	idx, err1 := strconv.ParseUint(el.A, 10, 16)
	sub, err2 := strconv.ParseUint(el.B, 10, 16)
	if err1 != nil || err2 != nil {
		return ObjectAddress{}, protoErr(op, "bad object address", raw)
	}
	return Object(uint16(idx), uint16(sub)), nil
}

func parseInt32(op, name, s string, raw []byte) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, protoErr(op, "bad "+name+" value", raw)
	}
	return int32(v), nil
}

// DecodeReadResponse parses the drive's answer to a read of addr. It fails
// with a *ProtocolError if the element is malformed, echoes a different
// address or carries a drive error.
func DecodeReadResponse(b []byte, addr ObjectAddress) (int32, error) {
	opName := "read " + addr.String()
	el, err := parseElement(opName, b)
	if err != nil {
		return 0, err
	}
	if el.XMLName.Local != "r" {
		return 0, protoErr(opName, "unexpected element "+strconv.Quote(el.XMLName.Local), b)
	}
	got, err := parseAddr(opName, el, b)
	if err != nil {
		return 0, err
	}
	if got != addr {
		return 0, protoErr(opName, "response echoes "+got.String(), b)
	}
	if el.Err != "" {
		perr := protoErr(opName, "drive returned error "+strconv.Quote(el.Err), b)
		perr.Rejected = true
		return 0, perr
	}
	if el.V == "" {
		return 0, protoErr(opName, "missing value", b)
	}
	return parseInt32(opName, "v", el.V, b)
}

// ResponseAddress returns the object address a read response echoes.
func ResponseAddress(b []byte) (ObjectAddress, error) {
	const op = "response address"
	el, err := parseElement(op, b)
	if err != nil {
		return ObjectAddress{}, err
	}
	if el.XMLName.Local != "r" {
		return ObjectAddress{}, protoErr(op, "unexpected element "+strconv.Quote(el.XMLName.Local), b)
	}
	return parseAddr(op, el, b)
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(b []byte) (CommandFrame, error) {
	const op = "decode command"
	if len(b) != CommandFrameSize {
		return CommandFrame{}, protoErr(op, "frame length "+strconv.Itoa(len(b))+", want "+strconv.Itoa(CommandFrameSize), b)
	}
	el, err := parseElement(op, b)
	if err != nil {
		return CommandFrame{}, err
	}
	if el.XMLName.Local != "control" {
		return CommandFrame{}, protoErr(op, "unexpected element "+strconv.Quote(el.XMLName.Local), b)
	}
	return commandFromElement(op, el, b)
}

func commandFromElement(op string, el element, raw []byte) (f CommandFrame, err error) {
	fields := []struct {
		name string
		s    string
		dst  *int32
	}{
		{"pos", el.Pos, &f.Position},
		{"speed", el.Speed, &f.Speed},
		{"torque", el.Torque, &f.Torque},
		{"acc", el.Acc, &f.Acc},
		{"decc", el.Decc, &f.Decc},
	}
	for _, fd := range fields {
		if *fd.dst, err = parseInt32(op, fd.name, fd.s, raw); err != nil {
			return CommandFrame{}, err
		}
	}
	mode, err := strconv.ParseUint(el.Mode, 10, 8)
	if err != nil {
		return CommandFrame{}, protoErr(op, "bad mode value", raw)
	}
	f.Mode = Mode(mode)
	return f, nil
}

// RequestKind distinguishes requests a drive receives on the command channel.
type RequestKind uint8

const (
	RequestRead RequestKind = iota + 1
	RequestWrite
	RequestCommand
)

func (k RequestKind) String() string {
	switch k {
	case RequestRead:
		return "objRead"
	case RequestWrite:
		return "objWrite"
	case RequestCommand:
		return "control"
	}
	return "unknown request"
}

// Request is a decoded command channel request as seen by the drive.
type Request struct {
	Kind    RequestKind
	Addr    ObjectAddress // Read and write requests.
	Value   int32         // Write requests.
	Command CommandFrame  // Control requests.
}

func (req Request) String() string {
	switch req.Kind {
	case RequestRead:
		return "read " + req.Addr.String()
	case RequestWrite:
		return "write " + req.Addr.String() + "=" + strconv.Itoa(int(req.Value))
	case RequestCommand:
		return "command " + req.Command.Mode.String()
	}
	return req.Kind.String()
}

// DecodeRequest parses a single request element.
func DecodeRequest(b []byte) (req Request, err error) {
	const op = "decode request"
	el, err := parseElement(op, b)
	if err != nil {
		return req, err
	}
	switch el.XMLName.Local {
	case "objRead":
		req.Kind = RequestRead
		req.Addr, err = parseAddr(op, el, b)
	case "objWrite":
		req.Kind = RequestWrite
		if req.Addr, err = parseAddr(op, el, b); err == nil {
			req.Value, err = parseInt32(op, "c", el.C, b)
		}
	case "control":
		req.Kind = RequestCommand
		req.Command, err = commandFromElement(op, el, b)
	default:
		err = protoErr(op, "unexpected element "+strconv.Quote(el.XMLName.Local), b)
	}
	return req, err
}

// ReadElement reads one complete element, up to and including its "/>"
// terminator, from br into dst[:0]. Bytes preceding the opening '<' are
// discarded. Elements longer than MaxElementSize fail with a *ProtocolError.
func ReadElement(br *bufio.Reader, dst []byte) ([]byte, error) {
	dst = dst[:0]
	for {
		c, err := br.ReadByte()
		if err != nil {
			return dst, err
		}
		if c == '<' {
			dst = append(dst, c)
			break
		}
	}
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return dst, err
		}
		dst = append(dst, c)
		if c == '>' && len(dst) >= 2 && dst[len(dst)-2] == '/' {
			return dst, nil
		}
		if len(dst) >= MaxElementSize {
			return dst, protoErr("read element", "element exceeds maximum size", dst)
		}
	}
}
