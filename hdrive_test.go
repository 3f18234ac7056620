package hdrive

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapModel(t *testing.T) {
	m := DefaultObjects(300, 2001)
	v, err := m.GetObject(ObjFirmwareVersion)
	require.NoError(t, err)
	assert.EqualValues(t, 300, v)

	v, err = m.GetObject(ObjUDPPort)
	require.NoError(t, err)
	assert.EqualValues(t, 2001, v)

	assert.ErrorIs(t, m.SetObject(ObjFirmwareVersion, 999), ErrReadOnlyObject)
	_, err = m.GetObject(Object(99, 1))
	assert.ErrorIs(t, err, ErrUnknownObject)

	require.NoError(t, m.SetObject(Object(99, 1), 5))
	v, _ = m.GetObject(Object(99, 1))
	assert.EqualValues(t, 5, v)

	var zero MapModel
	require.NoError(t, zero.SetObject(ObjAutosend, 1))

	addrs := m.Addresses()
	assert.Equal(t, ObjFirmwareVersion, addrs[0])
	assert.Equal(t, Object(99, 1), addrs[len(addrs)-1])
}

func TestConcurrencySafeObjectModel(t *testing.T) {
	om := ConcurrencySafeObjectModel(&MapModel{})
	assert.Same(t, om, ConcurrencySafeObjectModel(om))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := Object(10, uint16(i))
			om.SetObject(addr, int32(i))
			om.GetObject(addr)
		}(i)
	}
	wg.Wait()
	v, err := om.GetObject(Object(10, 15))
	require.NoError(t, err)
	assert.EqualValues(t, 15, v)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "m4s22", ObjTicketProtocol.String())
	assert.Equal(t, "m3s0", ObjFirmwareVersion.String())
	assert.Equal(t, "position control", ModePosition.String())
	assert.Equal(t, "disable", ModeDisable.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
	assert.EqualValues(t, 129, ModePosition)
	assert.EqualValues(t, 130, ModeVelocity)
	assert.EqualValues(t, 128, ModeTorque)
}
