package kwp2000

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameShort(t *testing.T) {
	// StartCommunication to the standard OBD address
	frame := EncodeFrame(0x11F1, 0x81, nil)
	assert.Equal(t, []byte{0x81, 0x11, 0xF1, 0x81, 0x04}, frame)
}

func TestEncodeFrameWithData(t *testing.T) {
	frame := EncodeFrame(0x11F1, 0x23, []byte{0x09, 0x00, 0x40, 0x04})
	require.Len(t, frame, 9)
	assert.Equal(t, byte(0x80|5), frame[0])
	assert.Equal(t, byte(0x23), frame[3])

	var sum byte
	for _, b := range frame[:len(frame)-1] {
		sum += b
	}
	assert.Equal(t, sum, frame[len(frame)-1])
}

func TestEncodeFrameLong(t *testing.T) {
	// 254-byte TransferData blocks exceed the 6-bit length field
	data := bytes.Repeat([]byte{0xAB}, 254)
	frame := EncodeFrame(0x11F1, 0x36, data)

	assert.Equal(t, byte(0x80), frame[0])
	assert.Equal(t, byte(255), frame[3], "real length inserted after the id")
	assert.Equal(t, byte(0x36), frame[4])
	assert.Len(t, frame, 4+1+254+1)
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		service byte
		data    []byte
	}{
		{"empty", 0x81, nil},
		{"short", 0x23, []byte{0x09, 0x00, 0x40, 0x04}},
		{"boundary", 0x36, bytes.Repeat([]byte{0x11}, 61)},
		{"long", 0x36, bytes.Repeat([]byte{0x22}, 254)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := EncodeFrame(0x11F1, tc.service, tc.data)

			id, service, data, err := DecodeFrame(frame)
			require.NoError(t, err)
			assert.Equal(t, uint16(0x11F1), id)
			assert.Equal(t, tc.service, service)
			assert.Equal(t, append([]byte(nil), tc.data...), data)

			// re-encoding reproduces the original bytes
			assert.Equal(t, frame, EncodeFrame(id, service, data))
		})
	}
}

func TestDecodeFrameChecksumMismatch(t *testing.T) {
	frame := EncodeFrame(0x11F1, 0x3E, []byte{0x01})
	frame[len(frame)-1]++

	_, _, _, err := DecodeFrame(frame)
	var framing *FramingError
	require.ErrorAs(t, err, &framing)
	assert.Contains(t, framing.Reason, "checksum")
}

func TestDecodeFrameLengthMismatch(t *testing.T) {
	frame := EncodeFrame(0x11F1, 0x3E, []byte{0x01})
	_, _, _, err := DecodeFrame(frame[:len(frame)-2])
	assert.Error(t, err)
}

func TestDecodeFrameFormatBit(t *testing.T) {
	_, _, _, err := DecodeFrame([]byte{0x05, 0x11, 0xF1, 0x3E, 0x45})
	var framing *FramingError
	require.ErrorAs(t, err, &framing)
	assert.Contains(t, framing.Reason, "format")
}
