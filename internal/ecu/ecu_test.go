package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dante383/GKFlasher/pkg/hardware"
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

// fakeECU answers KWP requests from a memory map, refusing addresses that
// fall in its failure window the way a real SIMK4x refuses page-switch
// offsets.
type fakeECU struct {
	memory      map[uint32][]byte
	backing     func(address uint32) byte
	failStart   uint32
	failStop    uint32
	keysSent    [][]byte
	seed        []byte
	pending     [][]byte
	lastService byte
}

func (f *fakeECU) Send(service byte, data []byte) error {
	f.lastService = service
	switch service {
	case kwp2000.ServiceReadMemoryByAddress:
		address := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
		size := uint32(data[3])
		f.pending = append(f.pending, f.readMemory(address, size))
	case kwp2000.ServiceSecurityAccess:
		if data[0]%2 == 1 { // request seed
			f.pending = append(f.pending, append([]byte{0x67, data[0]}, f.seed...))
		} else {
			f.keysSent = append(f.keysSent, append([]byte(nil), data[1:]...))
			f.pending = append(f.pending, []byte{0x67, data[0]})
		}
	default:
		f.pending = append(f.pending, []byte{service + 0x40})
	}
	return nil
}

func (f *fakeECU) readMemory(address, size uint32) []byte {
	if f.failStop > 0 && address < f.failStop && address+size > f.failStart {
		return []byte{kwp2000.ServiceNegativeResponse, kwp2000.ServiceReadMemoryByAddress, kwp2000.StatusCantUploadFromSpecifiedAddress}
	}
	if exact, ok := f.memory[address]; ok && uint32(len(exact)) == size {
		return append([]byte{0x63}, exact...)
	}
	out := []byte{0x63}
	for i := uint32(0); i < size; i++ {
		if f.backing != nil {
			out = append(out, f.backing(address+i))
		} else {
			out = append(out, 0x00)
		}
	}
	return out
}

func (f *fakeECU) Receive() (byte, []byte, error) {
	if len(f.pending) == 0 {
		return 0, nil, &hardware.TimeoutError{Op: "read"}
	}
	next := f.pending[0]
	f.pending = f.pending[1:]
	return next[0], next[1:], nil
}

func (f *fakeECU) Wakeup(command kwp2000.Command) error { return f.Send(command.Service, command.Data) }

func (f *fakeECU) Hardware() hardware.Hardware { return hardware.NewKLineHardware("test", 10400) }

func (f *fakeECU) SetBufferSize(int) {}

func (f *fakeECU) BufferDump() []kwp2000.RawPacket { return nil }

func (f *fakeECU) Close() error { return nil }

func TestIdentify(t *testing.T) {
	fake := &fakeECU{memory: map[uint32][]byte{
		0x90040: []byte("ca66"),
	}}
	// every other probe gets a negative
	fake.failStart = 0x00000
	fake.failStop = 0x90000

	bus := kwp2000.NewProtocol(fake)
	identified, err := Identify(bus)
	require.NoError(t, err)
	assert.Equal(t, "SIMK43 2.0 4mbit", identified.Name)
	assert.Equal(t, uint32(0x90000), identified.CalibrationSectionAddress)
}

func TestIdentifyNoMatch(t *testing.T) {
	fake := &fakeECU{backing: func(uint32) byte { return 0x00 }}
	bus := kwp2000.NewProtocol(fake)

	_, err := Identify(bus)
	assert.ErrorIs(t, err, ErrIdentificationFailed)
}

func TestCalculateKeyXorFold(t *testing.T) {
	assert.Equal(t, uint16(0), CalculateKeyXorFold(0))
	assert.Equal(t, uint16(0xF1EC), CalculateKeyXorFold(0x1234))
	// deterministic across runs
	assert.Equal(t, CalculateKeyXorFold(0xFFFF), CalculateKeyXorFold(0xFFFF))
}

func TestCalculateKeyMultiplyXor(t *testing.T) {
	// the shift chain flushes the constant out entirely for a zero seed
	assert.Equal(t, uint16(0), CalculateKeyMultiplyXor(0))
	// reaches the 0x1234 fixed point after 14 rounds
	assert.Equal(t, uint16(0xF1EC), CalculateKeyMultiplyXor(0x1234))
}

func TestSecurityAccessSendsDerivedKey(t *testing.T) {
	fake := &fakeECU{seed: []byte{0x12, 0x34}}
	bus := kwp2000.NewProtocol(fake)

	e := Bind(IdentificationTable[1], bus)
	require.NoError(t, e.SecurityAccess(AccessLevelHyundai))

	require.Len(t, fake.keysSent, 1)
	assert.Equal(t, []byte{0xF1, 0xEC}, fake.keysSent[0])
}

func TestSecurityAccessZeroSeedSkipsKey(t *testing.T) {
	fake := &fakeECU{seed: []byte{0x00, 0x00}}
	bus := kwp2000.NewProtocol(fake)

	require.NoError(t, EnableSecurityAccess(bus))
	assert.Empty(t, fake.keysSent, "a zero seed means the ECU is already unlocked")
}

func TestAddressTranslation(t *testing.T) {
	v6 := Bind(IdentificationTable[2], nil)
	assert.Equal(t, uint32(0x88000), v6.PhysicalAddress(0x90000))
	assert.Equal(t, uint32(0x8000), v6.BinIndex(0x90000))
	assert.Equal(t, uint32(0x88800<<4), v6.CalibrationWriteAddress())
	assert.Equal(t, uint32(0x90010), v6.ProgramWriteAddress())

	i4 := Bind(IdentificationTable[1], nil)
	assert.Equal(t, uint32(0x90000), i4.PhysicalAddress(0x90000))
	assert.Equal(t, uint32(0x10000), i4.BinIndex(0x90000))
	assert.Equal(t, uint32(0x89000<<4), i4.CalibrationWriteAddress())
	assert.Equal(t, uint32(0xA0010), i4.ProgramWriteAddress())
}

func TestSingleByteRestriction(t *testing.T) {
	i4 := Bind(IdentificationTable[1], nil)
	assert.True(t, i4.SingleByteRestricted(0x90000))
	assert.False(t, i4.SingleByteRestricted(0x91000))

	v6 := Bind(IdentificationTable[2], nil)
	assert.False(t, v6.SingleByteRestricted(0x90000), "no restriction window on the V6")
}

func TestReadMemoryFallbackWindow(t *testing.T) {
	fake := &fakeECU{
		backing:   func(address uint32) byte { return byte(address) },
		failStart: 0x91000,
		failStop:  0x91001,
	}
	bus := kwp2000.NewProtocol(fake)
	e := Bind(IdentificationTable[1], bus)

	data, err := e.ReadMemoryByAddress(0x90FF8, 254)
	require.NoError(t, err)
	require.Len(t, data, 254)

	// the refused remainder of the 16-byte window reads as 0xFF,
	// everything else as the backing
	for i, b := range data {
		address := uint32(0x90FF8 + i)
		if address >= 0x91000 && address < 0x91008 {
			assert.Equal(t, byte(0xFF), b, "address 0x%X", address)
		} else {
			assert.Equal(t, byte(address), b, "address 0x%X", address)
		}
	}
}

func TestParseReprogrammingStatus(t *testing.T) {
	status := ParseReprogrammingStatus([]byte{0x00, 0x11})
	assert.NotZero(t, status&StatusChecksumOfCalibrationCorrect)
	assert.NotZero(t, status&StatusChecksumOfSoftwareCorrect)
	assert.Zero(t, status&StatusReprogrammingCompleted)
	assert.Contains(t, status.String(), "checksum_of_calibration_data_is_correct=1")
	assert.Contains(t, status.String(), "ecu_reprogramming_successfully_completed=0")
}
