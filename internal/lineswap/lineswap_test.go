package lineswap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	words := []uint16{0x0000, 0x1234, 0xFFFF, 0x8000, 0x0001, 0xA5A5, 0x4268}
	for _, word := range words {
		assert.Equal(t, word, SieToBin(BinToSie(word)), "word 0x%04X", word)
		assert.Equal(t, word, BinToSie(SieToBin(word)), "word 0x%04X", word)
	}
}

func TestRoundTripSingleBits(t *testing.T) {
	for bit := uint(0); bit < 16; bit++ {
		word := uint16(1) << bit
		assert.Equal(t, word, SieToBin(BinToSie(word)))
	}
}

func TestBinToSiePinned(t *testing.T) {
	// bits 2,4,5,9,12 land on DQ 5,6,14,3,9 per the 2.0L wiring
	assert.Equal(t, uint16(0x4268), BinToSie(0x1234))
	// AD15 crosses to DQ0
	assert.Equal(t, uint16(0x0001), BinToSie(0x8000))
	assert.Equal(t, uint16(0x8000), SieToBin(0x0001))
	// identity lines stay put
	assert.Equal(t, uint16(0x0400), BinToSie(0x0400))
}

func TestConvertBufferRoundTrip(t *testing.T) {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	sie := GenerateSie(payload)
	bin := GenerateBin(sie)
	assert.Equal(t, payload, bin)
}

func TestConvertBufferOddTrailingByte(t *testing.T) {
	payload := []byte{0x34, 0x12, 0x7A}
	out := GenerateSie(payload)
	require.Len(t, out, 3)
	// little-endian word 0x1234 -> 0x4268
	assert.Equal(t, byte(0x68), out[0])
	assert.Equal(t, byte(0x42), out[1])
	assert.Equal(t, byte(0x7A), out[2], "odd trailing byte passes through")
}
