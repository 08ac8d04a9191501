package checksum

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/IBM (reflected 0x8005), the classic check value
	assert.Equal(t, uint16(0xBB3D), CRC16([]byte("123456789"), 0))
}

func TestCRC16Chaining(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	whole := CRC16(payload, 0x1D0F)
	chained := CRC16(payload[20:], CRC16(payload[:20], 0x1D0F))
	assert.Equal(t, whole, chained, "zone chaining must equal one continuous run")
}

// build4mbitImage lays out a minimal 4mbit-family image: flag at 0x017EFE,
// one calibration zone from image offset 0x010000 to zoneStop, initial
// value at 0x01000C, no program zones.
func build4mbitImage(t *testing.T, zoneStop uint32) []byte {
	t.Helper()
	payload := make([]byte, 0x80000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	copy(payload[0x017EFE:], "OK")

	cks := 0x017EE0
	payload[cks] = 0x00 // current checksum, wrong on purpose
	payload[cks+1] = 0x00
	payload[cks+2] = 1 // one zone

	// zone bounds are stored as physical addresses, little-endian
	putAddress24(payload, cks+0x04, 0x010000+0x080000)
	putAddress24(payload, cks+0x08, zoneStop-1+0x080000)

	// initial value, little-endian
	binary.LittleEndian.PutUint16(payload[0x01000C:], 0x3412)

	// the program region declares no zones
	payload[0x020010+2] = 0x00

	return payload
}

func putAddress24(payload []byte, offset int, value uint32) {
	payload[offset] = byte(value)
	payload[offset+1] = byte(value >> 8)
	payload[offset+2] = byte(value >> 16)
}

func TestCorrectWritesChainedChecksum(t *testing.T) {
	payload := build4mbitImage(t, 0x01F000)

	// expected: CRC of the declared range seeded from the initial value,
	// byte-swapped into the checksum slot
	expected := CRC16(payload[0x010000:0x01F000], 0x3412)
	expected = expected<<8 | expected>>8

	results, err := Correct(payload)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Calibration", results[0].Region)
	assert.Equal(t, 1, results[0].Zones)
	assert.Equal(t, uint16(0), results[0].Previous)

	assert.Equal(t, expected, binary.BigEndian.Uint16(payload[0x017EE0:0x017EE2]))
	assert.Equal(t, expected, results[0].Computed)
}

func TestCorrectIdempotent(t *testing.T) {
	// the zone must end before the checksum slot, as real images do;
	// otherwise the correction could never converge
	payload := build4mbitImage(t, 0x017E00)

	_, err := Correct(payload)
	require.NoError(t, err)
	first := append([]byte(nil), payload...)

	_, err = Correct(payload)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, payload), "recomputing a correct image must be byte-identical")
}

func TestDetectFamily(t *testing.T) {
	payload := build4mbitImage(t, 0x01F000)
	family, err := DetectFamily(payload)
	require.NoError(t, err)
	assert.Equal(t, "4mbit", family.Name)
}

func TestDetectFamilyUnknown(t *testing.T) {
	payload := make([]byte, 0x80000)
	_, err := DetectFamily(payload)
	assert.ErrorIs(t, err, ErrUnknownFamily)

	_, err = Correct(payload)
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestDetectFamilyShortImage(t *testing.T) {
	// a 2mbit image is too short to even hold the 4mbit flag offset
	payload := make([]byte, 0x10000)
	copy(payload[0xFEFE:], "OK")
	family, err := DetectFamily(payload)
	require.NoError(t, err)
	assert.Equal(t, "2mbit", family.Name)
}
