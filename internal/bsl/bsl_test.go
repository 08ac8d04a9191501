package bsl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dante383/GKFlasher/pkg/hardware"
)

// fakeLink is an in-memory serial device: every write is echoed back, and
// an onWrite hook supplies whatever the device answers after the echo.
type fakeLink struct {
	queue       []byte
	writes      [][]byte
	onWrite     func(data []byte) []byte
	corruptEcho bool
}

func (f *fakeLink) Write(payload []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), payload...))
	echo := append([]byte(nil), payload...)
	if f.corruptEcho && len(echo) > 0 {
		echo[0] ^= 0xFF
	}
	f.queue = append(f.queue, echo...)
	if f.onWrite != nil {
		f.queue = append(f.queue, f.onWrite(payload)...)
	}
	return len(payload), nil
}

func (f *fakeLink) ReadExact(n int) ([]byte, error) {
	if len(f.queue) < n {
		got := f.queue
		f.queue = nil
		return got, &hardware.TimeoutError{Op: "read", Want: n, Got: len(got)}
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeLink) DrainInput() error {
	f.queue = nil
	return nil
}

func (f *fakeLink) SetDTR(bool) error { return nil }

func (f *fakeLink) SetRTS(bool) error { return nil }

func TestBootstrapKernelAlreadyRunning(t *testing.T) {
	link := &fakeLink{onWrite: func(data []byte) []byte {
		switch {
		case bytes.Equal(data, []byte{0x00}):
			return []byte{Ack1} // kernel answers the hello itself
		case bytes.Equal(data, []byte{CmdTestComm}):
			return []byte{Ack1, Ack2}
		}
		return nil
	}}

	loader := NewLoader(link, DefaultAssets, VariantAuto)
	require.NoError(t, loader.Bootstrap(), "a running kernel must skip the loader upload")
	assert.Equal(t, PhaseKernelRunning, loader.Phase())

	// no stage upload happened: only the hello and the test opcode went out
	for _, write := range link.writes {
		assert.LessOrEqual(t, len(write), 1)
	}
}

func TestEchoMismatch(t *testing.T) {
	link := &fakeLink{corruptEcho: true}
	loader := NewLoader(link, DefaultAssets, VariantAuto)

	err := loader.sendWithEcho([]byte{0x93})
	var mismatch *EchoMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, byte(0x93), mismatch.Sent)
}

func TestTestCommWrongAck(t *testing.T) {
	link := &fakeLink{onWrite: func(data []byte) []byte {
		return []byte{Ack1, 0x00}
	}}
	loader := NewLoader(link, DefaultAssets, VariantAuto)

	err := loader.TestComm()
	var missing *AckMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestSetWordAtAddress(t *testing.T) {
	registers := map[uint32]uint16{}
	link := &fakeLink{}
	link.onWrite = func(data []byte) []byte {
		switch {
		case bytes.Equal(data, []byte{CmdWriteWord}), bytes.Equal(data, []byte{CmdReadWord}):
			return []byte{Ack1}
		case len(data) == 5: // write word payload: addr3 + word2
			address := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
			registers[address] = uint16(data[3]) | uint16(data[4])<<8
			return []byte{Ack2}
		case len(data) == 3: // read word payload: addr3
			address := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
			word := registers[address]
			return []byte{byte(word), byte(word >> 8), Ack2}
		}
		return nil
	}

	loader := NewLoader(link, DefaultAssets, VariantAuto)
	require.NoError(t, loader.SetWordAtAddress(0x00FF12, 0xE204))
	assert.Equal(t, uint16(0xE204), registers[0x00FF12])
}

func TestSetBlockAtAddressChecksum(t *testing.T) {
	var uploaded []byte
	link := &fakeLink{}
	link.onWrite = func(data []byte) []byte {
		switch {
		case bytes.Equal(data, []byte{CmdWriteBlock}):
			return []byte{Ack1}
		case bytes.Equal(data, []byte{CmdGetChecksum}):
			return []byte{Ack1, xorChecksum(uploaded), Ack2}
		case len(data) > 5:
			uploaded = append([]byte(nil), data[5:]...)
			return []byte{Ack2}
		}
		return nil
	}

	loader := NewLoader(link, DefaultAssets, VariantAuto)
	block := []byte{0x10, 0x20, 0x40, 0x80, 0xFF}
	require.NoError(t, loader.SetBlockAtAddress(0xF600, block))
	assert.Equal(t, block, uploaded)
}

func TestGetBlockAtAddress(t *testing.T) {
	content := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	link := &fakeLink{}
	link.onWrite = func(data []byte) []byte {
		switch {
		case bytes.Equal(data, []byte{CmdReadBlock}):
			return []byte{Ack1}
		case bytes.Equal(data, []byte{CmdGetChecksum}):
			return []byte{Ack1, xorChecksum(content), Ack2}
		case len(data) == 5: // addr3 + size2
			return append(append([]byte(nil), content...), Ack2)
		}
		return nil
	}

	loader := NewLoader(link, DefaultAssets, VariantAuto)
	read, err := loader.GetBlockAtAddress(0x800000, len(content))
	require.NoError(t, err)
	assert.Equal(t, content, read)
}

func TestCallAtAddress(t *testing.T) {
	link := &fakeLink{}
	link.onWrite = func(data []byte) []byte {
		switch {
		case bytes.Equal(data, []byte{CmdCallFunction}):
			return []byte{Ack1}
		case len(data) == 19: // addr3 + 8 register words
			out := make([]byte, 0, 17)
			// reflect the input registers back, incremented
			for i := 3; i < 19; i += 2 {
				word := (uint16(data[i]) | uint16(data[i+1])<<8) + 1
				out = append(out, byte(word), byte(word>>8))
			}
			return append(out, Ack2)
		}
		return nil
	}

	loader := NewLoader(link, DefaultAssets, VariantAuto)
	out, err := loader.CallAtAddress(0x00F640, [8]uint16{0x06, 0, 0x80, 0x80, 0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, [8]uint16{0x07, 1, 0x81, 0x81, 1, 1, 2, 2}, out)
}

func TestXorChecksum(t *testing.T) {
	assert.Equal(t, byte(0x00), xorChecksum(nil))
	assert.Equal(t, byte(0xFF), xorChecksum([]byte{0xF0, 0x0F}))
	assert.Equal(t, byte(0x04), xorChecksum([]byte{0x01, 0x02, 0x07}))
}

func TestLookupChip(t *testing.T) {
	chip, err := LookupChip(ManufacturerAMD, 0x58)
	require.NoError(t, err)
	assert.Equal(t, "AM29F800BB", chip.Name)
	assert.Equal(t, 1<<20, chip.SizeBytes)
	assert.Equal(t, BootSectorBottom, chip.BootSector)

	// ST reuses AMD device bytes; the tables must not collide
	chip, err = LookupChip(ManufacturerST, 0xD6)
	require.NoError(t, err)
	assert.Equal(t, "M29F400BB", chip.Name)

	_, err = LookupChip(0x42, 0x01)
	var unknown *ChipUnknownError
	assert.ErrorAs(t, err, &unknown)
}

func TestSectorSizes(t *testing.T) {
	bottom := &Chip{SizeBytes: 1 << 19, BootSector: BootSectorBottom}
	assert.Equal(t, 0x4000, sectorSize(bottom, 0))
	assert.Equal(t, 0x2000, sectorSize(bottom, 1))
	assert.Equal(t, 0x2000, sectorSize(bottom, 2))
	assert.Equal(t, 0x8000, sectorSize(bottom, 3))
	assert.Equal(t, 0x10000, sectorSize(bottom, 4))

	top512 := &Chip{SizeBytes: 1 << 19, BootSector: BootSectorTop}
	assert.Equal(t, 0x10000, sectorSize(top512, 0))
	assert.Equal(t, 0x8000, sectorSize(top512, 7))
	assert.Equal(t, 0x2000, sectorSize(top512, 8))
	assert.Equal(t, 0x2000, sectorSize(top512, 9))
	assert.Equal(t, 0x4000, sectorSize(top512, 10))

	top1024 := &Chip{SizeBytes: 1 << 20, BootSector: BootSectorTop}
	assert.Equal(t, 0x8000, sectorSize(top1024, 15))
	assert.Equal(t, 0x2000, sectorSize(top1024, 16))
	assert.Equal(t, 0x2000, sectorSize(top1024, 17))
	assert.Equal(t, 0x4000, sectorSize(top1024, 18))

	// the sector walk must tile the chip exactly
	for _, chip := range []*Chip{bottom, top512, top1024} {
		total := 0
		for sector := 0; total < chip.SizeBytes; sector++ {
			total += sectorSize(chip, sector)
		}
		assert.Equal(t, chip.SizeBytes, total)
	}
}
