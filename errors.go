package hdrive

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrNotConnected   = errors.New("hdrive: not connected")
	ErrUnknownObject  = errors.New("hdrive: unknown object")
	ErrReadOnlyObject = errors.New("hdrive: read-only object")
)

// ConnectionError is returned when the TCP or UDP socket could not be
// opened or a socket level read or write failed.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	s := "hdrive: " + e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FirmwareTooOldError is returned by connect when the drive's firmware
// version is below the supported minimum or the drive refuses to report it.
// No sockets are left open.
type FirmwareTooOldError struct {
	Version int32
	Minimum int32
	// Err is set when the drive rejected the version read. Version is zero then.
	Err error
}

func (e *FirmwareTooOldError) Error() string {
	if e.Err != nil {
		return "hdrive: could not read firmware version, minimum required is " +
			strconv.Itoa(int(e.Minimum)) + ": " + e.Err.Error()
	}
	return "hdrive: firmware version " + strconv.Itoa(int(e.Version)) +
		" too old, minimum required is " + strconv.Itoa(int(e.Minimum))
}

func (e *FirmwareTooOldError) Unwrap() error { return e.Err }

// ProtocolError is returned when a frame does not match the expected framing
// or the drive rejected a request.
type ProtocolError struct {
	Op     string
	Reason string
	// Data holds the offending frame, if any.
	Data []byte
	// Rejected is set when the drive answered with an error attribute.
	Rejected bool
}

func (e *ProtocolError) Error() string {
	s := "hdrive: " + e.Op + ": " + e.Reason
	if len(e.Data) > 0 {
		s += " (" + strconv.Quote(string(e.Data)) + ")"
	}
	return s
}

// TimeoutError is returned when no complete response arrived before the
// exchange deadline.
type TimeoutError struct {
	Op string
	// After is the deadline that expired, zero if unknown.
	After time.Duration
}

func (e *TimeoutError) Error() string {
	s := "hdrive: " + e.Op + " timed out"
	if e.After > 0 {
		s += " after " + e.After.String()
	}
	return s
}

// Timeout reports true so TimeoutError satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

func protoErr(op, reason string, data []byte) *ProtocolError {
	var cp []byte
	if len(data) > 0 {
		cp = append(cp, data...)
	}
	return &ProtocolError{Op: op, Reason: reason, Data: cp}
}
