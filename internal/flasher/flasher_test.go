package flasher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dante383/GKFlasher/internal/ecu"
	"github.com/Dante383/GKFlasher/internal/memory"
)

func TestTrimmedPayload(t *testing.T) {
	eeprom := make([]byte, 0x1000)
	for i := range eeprom {
		eeprom[i] = 0xFF
	}
	copy(eeprom[0x100:], []byte{0x01, 0x02, 0x03})

	payload, size := trimmedPayload(eeprom, 0x100, 0x800)
	require.NotZero(t, size)
	assert.Equal(t, memory.TransferQuantum, size)
	assert.Len(t, payload, size)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload[:3])
}

func TestTrimmedPayloadAllFF(t *testing.T) {
	eeprom := bytes.Repeat([]byte{0xFF}, 0x1000)
	payload, size := trimmedPayload(eeprom, 0x100, 0x800)
	assert.Zero(t, size, "an all-0xFF zone legally trims to nothing and the write is skipped")
	assert.Nil(t, payload)
}

func TestTrimmedPayloadPadsRoundUp(t *testing.T) {
	// data reaching the very end of the zone rounds past it; the padding
	// must come back as 0xFF
	eeprom := make([]byte, 300)
	for i := range eeprom {
		eeprom[i] = 0x01
	}

	payload, size := trimmedPayload(eeprom, 0, 300)
	assert.Equal(t, 2*memory.TransferQuantum, size)
	require.Len(t, payload, size)
	for _, b := range payload[300:] {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestTrimmedPayloadStartPastImage(t *testing.T) {
	payload, size := trimmedPayload(make([]byte, 16), 32, 64)
	assert.Zero(t, size)
	assert.Nil(t, payload)
}

func TestZoneRange(t *testing.T) {
	f := &Flasher{ecu: ecu.Bind(ecu.IdentificationTable[1], nil)}

	start, stop := f.zoneRange(ZoneCalibration)
	assert.Equal(t, uint32(0x90000), start)
	assert.Equal(t, uint32(0xA0000), stop)

	start, stop = f.zoneRange(ZoneProgram)
	assert.Equal(t, uint32(0xA0000), start)
	assert.Equal(t, uint32(0x100000), stop)

	start, stop = f.zoneRange(ZoneFull)
	assert.Equal(t, uint32(0x80000), start)
	assert.Equal(t, uint32(0x100000), stop)
}

func TestStripNonAlnum(t *testing.T) {
	assert.Equal(t, "ca663021", stripNonAlnum("ca663021\x00\x00"))
	assert.Equal(t, "CA66", stripNonAlnum(" CA-66\t"))
}

func TestVerifyBlocksErrorMessage(t *testing.T) {
	err := &VerifyBlocksError{Status: ecu.ParseReprogrammingStatus([]byte{0x00, 0x01})}
	assert.Contains(t, err.Error(), "soft-bricked")
	assert.Contains(t, err.Error(), "checksum_of_calibration_data_is_correct=1")
}
