package hdrive

import (
	"encoding/binary"
	"strconv"
)

const (
	// TelemetryWords is the number of int32 values in a telemetry datagram.
	TelemetryWords = 33
	// TelemetrySize is the exact length of a telemetry datagram in bytes.
	TelemetrySize = 4 * TelemetryWords
	// SlaveCount is the number of slave position words.
	SlaveCount = 8
)

// TelemetryFrame is one decoded telemetry datagram. Datagrams are 33
// little-endian int32 words in the order of the fields below.
type TelemetryFrame struct {
	TimeMicros           int32 // System time [us].
	Position             int32
	Velocity             int32
	PhaseACurrent        int32 // [mA]
	RippleCurrentComp    int32
	CalibrationValue     int32
	Fid                  int32 // [mA]
	Fiq                  int32 // [mA]
	LastError            int32
	Temperature          int32 // [0.1 degC]
	MotorMode            int32
	MotorVoltage         int32 // [mV]
	DemandedSpeed        int32
	DemandedPosition     int32
	DemandedTorque       int32
	DemandedAcceleration int32
	DemandedDeceleration int32
	DigitalInputs        int32
	ActualState          int32
	SoftwareVersion      int32
	VelocityMilli        int32 // Velocity x 1000.
	SystemTime           int32
	HomingCompleted      int32
	SlavePositions       [SlaveCount]int32
	ActiveSlaves         int32
	CANStatus            int32
}

// fields returns pointers to the frame's words in wire order.
func (f *TelemetryFrame) fields() [TelemetryWords]*int32 {
	return [TelemetryWords]*int32{
		&f.TimeMicros, &f.Position, &f.Velocity, &f.PhaseACurrent,
		&f.RippleCurrentComp, &f.CalibrationValue, &f.Fid, &f.Fiq,
		&f.LastError, &f.Temperature, &f.MotorMode, &f.MotorVoltage,
		&f.DemandedSpeed, &f.DemandedPosition, &f.DemandedTorque,
		&f.DemandedAcceleration, &f.DemandedDeceleration, &f.DigitalInputs,
		&f.ActualState, &f.SoftwareVersion, &f.VelocityMilli, &f.SystemTime,
		&f.HomingCompleted,
		&f.SlavePositions[0], &f.SlavePositions[1], &f.SlavePositions[2], &f.SlavePositions[3],
		&f.SlavePositions[4], &f.SlavePositions[5], &f.SlavePositions[6], &f.SlavePositions[7],
		&f.ActiveSlaves, &f.CANStatus,
	}
}

// DecodeTelemetry decodes a telemetry datagram. It fails with a
// *ProtocolError unless len(b) is exactly TelemetrySize.
func DecodeTelemetry(b []byte) (f TelemetryFrame, err error) {
	if len(b) != TelemetrySize {
		return f, &ProtocolError{
			Op:     "decode telemetry",
			Reason: "got " + strconv.Itoa(len(b)) + " bytes, want " + strconv.Itoa(TelemetrySize),
		}
	}
	for i, p := range f.fields() {
		*p = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return f, nil
}

// TelemetryFromValues builds a frame from its 33 words in wire order.
func TelemetryFromValues(values [TelemetryWords]int32) (f TelemetryFrame) {
	for i, p := range f.fields() {
		*p = values[i]
	}
	return f
}

// Values returns the frame's words in wire order.
func (f TelemetryFrame) Values() (v [TelemetryWords]int32) {
	for i, p := range f.fields() {
		v[i] = *p
	}
	return v
}

// Put encodes the frame into the first TelemetrySize bytes of b.
func (f TelemetryFrame) Put(b []byte) {
	_ = b[TelemetrySize-1] // Bounds check hint.
	for i, p := range f.fields() {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(*p))
	}
}

// AppendTelemetry appends the encoded frame to dst.
func AppendTelemetry(dst []byte, f TelemetryFrame) []byte {
	var buf [TelemetrySize]byte
	f.Put(buf[:])
	return append(dst, buf[:]...)
}

// TemperatureCelsius returns the drive temperature in degrees Celsius.
func (f TelemetryFrame) TemperatureCelsius() float64 {
	return float64(f.Temperature) / 10
}

func (f TelemetryFrame) String() string {
	return "telemetry t=" + strconv.Itoa(int(f.TimeMicros)) + "us pos=" + strconv.Itoa(int(f.Position)) +
		" vel=" + strconv.Itoa(int(f.Velocity)) +
		" temp=" + strconv.FormatFloat(f.TemperatureCelsius(), 'f', 1, 64) + "C" +
		" err=" + strconv.Itoa(int(f.LastError))
}
