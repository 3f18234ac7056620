package hdrive

import "strconv"

// Mode selects the control loop the drive runs. Modes are bit-flag
// combinations on the device; only the values below are used.
type Mode uint8

// Control modes.
const (
	ModeDisable  Mode = 0x00
	ModeTorque   Mode = 0x80 // Torque + enable.
	ModePosition Mode = 0x81 // Position + torque + velocity + enable.
	ModeVelocity Mode = 0x82 // Velocity + torque + enable.
)

func (m Mode) String() (s string) {
	switch m {
	case ModeDisable:
		s = "disable"
	case ModeTorque:
		s = "torque control"
	case ModePosition:
		s = "position control"
	case ModeVelocity:
		s = "velocity control"
	default:
		s = "mode(" + strconv.Itoa(int(m)) + ")"
	}
	return s
}

// ObjectAddress identifies one entry of the drive's object dictionary.
type ObjectAddress struct {
	Index    uint16
	Subindex uint16
}

// Object returns the address m{index}s{subindex}.
func Object(index, subindex uint16) ObjectAddress {
	return ObjectAddress{Index: index, Subindex: subindex}
}

// String renders the address the way the drive documentation does, i.e: "m4s22".
func (a ObjectAddress) String() string {
	var buf [16]byte
	b := append(buf[:0], 'm')
	b = strconv.AppendUint(b, uint64(a.Index), 10)
	b = append(b, 's')
	b = strconv.AppendUint(b, uint64(a.Subindex), 10)
	return string(b)
}

// Objects read or written while establishing a session.
var (
	ObjFirmwareVersion = Object(3, 0)  // Read-only.
	ObjTCPPort         = Object(4, 16) // Command port.
	ObjUDPPort         = Object(4, 17) // Telemetry port.
	ObjUDPEnabled      = Object(4, 19) // 1 when UDP communication is on.
	ObjTicketProtocol  = Object(4, 22) // Telemetry encoding selector.
	ObjAutosend        = Object(4, 34) // 1 when telemetry is sent unpolled.
)

const (
	// MinFirmwareVersion is the oldest firmware with the object and binary
	// telemetry semantics this package implements.
	MinFirmwareVersion = 266
	// TicketBinary selects the 132 byte binary telemetry ticket.
	TicketBinary = 2

	DefaultTCPPort = 1000
	DefaultUDPPort = 1001
)
