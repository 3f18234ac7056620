/*
package hdrive implements the command and telemetry protocol of networked
HDrive servo drives.

# Glossary

  - Object: an addressable drive parameter identified by index and subindex,
    written m{index}s{subindex}. Analogous to a CANopen object dictionary entry.
  - Mode: the control loop the drive runs (position, velocity, torque or disabled).
  - Command frame: fixed width motion command sent over TCP.
  - Telemetry frame: 132 byte snapshot of drive state the drive broadcasts over UDP.
  - Autosend: drive setting that makes it emit telemetry without being polled.
  - Firmware gate: minimum firmware version below which the driver refuses a drive.

# Command channel

Requests and responses are self-closing ASCII elements terminated by "/>".

	<objRead a="4" b="22" />                 -> <r a="4" b="22" v="2" />
	<objWrite a="4" b="22" c="2" />          -> (no reply)
	<control pos="..." speed="..." torque="..." mode="..." acc="..." decc="..." />

# Telemetry datagram

	33 x int32 little-endian | see TelemetryFrame for the word order

Package hdrive holds the pure encoders and decoders. The hdrivetcp package
implements the session over TCP and UDP.
*/
package hdrive

import (
	"sort"
	"sync"
)

// ObjectModel is the object dictionary of a drive. It backs the drive
// simulator and lets tests assert on what a client wrote.
type ObjectModel interface {
	// GetObject returns the value stored at addr.
	GetObject(addr ObjectAddress) (int32, error)
	// SetObject stores v at addr.
	SetObject(addr ObjectAddress, v int32) error
}

// MapModel is a map backed ObjectModel. Writes to unknown objects create
// them. A MapModel is not safe for concurrent use, see ConcurrencySafeObjectModel.
type MapModel struct {
	Values   map[ObjectAddress]int32
	ReadOnly map[ObjectAddress]bool
}

var _ ObjectModel = &MapModel{}

// DefaultObjects returns the objects a freshly configured drive reports
// with firmware fw and telemetry sent to udpPort.
func DefaultObjects(fw int32, udpPort uint16) *MapModel {
	return &MapModel{
		Values: map[ObjectAddress]int32{
			ObjFirmwareVersion: fw,
			ObjTCPPort:         DefaultTCPPort,
			ObjUDPPort:         int32(udpPort),
			ObjUDPEnabled:      1,
			ObjTicketProtocol:  0,
			ObjAutosend:        1,
		},
		ReadOnly: map[ObjectAddress]bool{ObjFirmwareVersion: true},
	}
}

func (m *MapModel) GetObject(addr ObjectAddress) (int32, error) {
	v, ok := m.Values[addr]
	if !ok {
		return 0, ErrUnknownObject
	}
	return v, nil
}

func (m *MapModel) SetObject(addr ObjectAddress, v int32) error {
	if m.ReadOnly[addr] {
		return ErrReadOnlyObject
	}
	if m.Values == nil {
		m.Values = make(map[ObjectAddress]int32)
	}
	m.Values[addr] = v
	return nil
}

// Addresses returns the stored addresses in ascending order.
func (m *MapModel) Addresses() []ObjectAddress {
	addrs := make([]ObjectAddress, 0, len(m.Values))
	for a := range m.Values {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Index != addrs[j].Index {
			return addrs[i].Index < addrs[j].Index
		}
		return addrs[i].Subindex < addrs[j].Subindex
	})
	return addrs
}

// ConcurrencySafeObjectModel returns an ObjectModel safe for concurrent use
// from a non-concurrent-safe ObjectModel.
func ConcurrencySafeObjectModel(om ObjectModel) ObjectModel {
	if _, ok := om.(*lockedObjectModel); ok {
		return om
	}
	return &lockedObjectModel{om: om}
}

type lockedObjectModel struct {
	mu sync.Mutex
	om ObjectModel
}

func (m *lockedObjectModel) GetObject(addr ObjectAddress) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.om.GetObject(addr)
}

func (m *lockedObjectModel) SetObject(addr ObjectAddress, v int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.om.SetObject(addr, v)
}
