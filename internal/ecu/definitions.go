// Package ecu holds the SIMK4x variant table and the memory model bound to
// an identified ECU: logical-to-physical and logical-to-image address
// translation, the per-variant flash write quirks and the security access
// key derivation.
package ecu

// KeyAlgorithm selects the seed-to-key derivation an ECU variant expects.
type KeyAlgorithm int

const (
	// KeyMultiplyXor: key starts at 0x9360 and is folded with the seed
	// over 0x24 shift-xor rounds. The SIMK4x default.
	KeyMultiplyXor KeyAlgorithm = iota
	// KeyXorFold: legacy derivation, xors 0xFFFF shifted by every set seed
	// bit into the key. Kept for early bootloader revisions.
	KeyXorFold
)

// AccessLevel is the SecurityAccess request-seed level.
type AccessLevel byte

const (
	AccessLevelHyundai AccessLevel = 0x01
	AccessLevelSiemens AccessLevel = 0xFD
)

// Routine ids for StartRoutineByLocalIdentifier.
const (
	RoutineEraseProgram             byte = 0x00
	RoutineEraseCalibration         byte = 0x01
	RoutineVerifyBlocks             byte = 0x02
	RoutineCheckReprogrammingStatus byte = 0x03

	RoutineQueryImmoInfo        byte = 0x12
	RoutineBeforeLimpHomeTeach  byte = 0x13
	RoutineBeforeImmoKeyTeach   byte = 0x14
	RoutineBeforeImmoReset      byte = 0x15
	RoutineBeforeLimpHome       byte = 0x16
	RoutineLimpHomeNewPassword  byte = 0x17
	RoutineActivateLimpHome     byte = 0x18
	RoutineLimpHomeConfirm      byte = 0x19
	RoutineImmoInputPassword    byte = 0x1A
	RoutineImmoTeachKey1        byte = 0x1B
	RoutineImmoTeachKey2        byte = 0x1C
	RoutineImmoTeachKey3        byte = 0x1D
	RoutineImmoTeachKey4        byte = 0x1E
	RoutineImmoResetConfirm     byte = 0x20
	RoutineBeforeSmartraNeutral byte = 0x25
	// Referenced without a definition in one bootloader revision; 0x26 is
	// the value every other revision uses.
	RoutineSmartraNeutralize byte = 0x26
)

// IO identifiers for InputOutputControlByLocalIdentifier.
const (
	IOVersionConfigurationTransaxle byte = 0x40
	IOVersionConfigurationTraction  byte = 0x41
	IOAdaptiveValues                byte = 0x50
)

// Variant describes one member of the SIMK4x family. Addresses are in the
// logical 0x90000-based space; MemoryOffset converts to the addresses the
// ECU serves over KWP, BinOffset to offsets inside an image file. The
// flash-write constants are per-variant bootloader quirks and are kept
// verbatim; do not derive one from another.
type Variant struct {
	Name string

	IdentificationOffset   uint32
	IdentificationExpected [][]byte

	EEPROMSizeBytes int

	MemoryOffset      int32
	BinOffset         int32
	MemoryWriteOffset int32

	// Window in which reads must degrade to one byte at a time, a quirk of
	// the eeprom page switch. Zero values mean no restriction.
	SingleByteRestrictionStart uint32
	SingleByteRestrictionStop  uint32

	CalibrationSectionAddress uint32
	CalibrationSizeBytes      int
	CalibrationSizeBytesFlash int

	ProgramSectionOffset            uint32
	ProgramSectionSize              int
	ProgramSectionFlashSize         int
	ProgramSectionFlashBinOffset    uint32
	ProgramSectionFlashMemoryOffset int32

	KeyAlgorithm KeyAlgorithm
}

// IdentificationTable lists every supported variant, probed in order.
var IdentificationTable = []Variant{
	{
		Name:                   "SIMK43 8mbit",
		IdentificationOffset:   0x82014, // RSW zone
		IdentificationExpected: [][]byte{[]byte("6621")},

		EEPROMSizeBytes: 1048576,

		MemoryOffset:      0,
		BinOffset:         0,
		MemoryWriteOffset: -0x7000,

		CalibrationSectionAddress: 0x90000,
		CalibrationSizeBytes:      0x10000,
		CalibrationSizeBytesFlash: 0xFEFE,

		ProgramSectionOffset:            0xA0000,
		ProgramSectionSize:              0x60000,
		ProgramSectionFlashSize:         0x5FFE8,
		ProgramSectionFlashBinOffset:    0xA0010,
		ProgramSectionFlashMemoryOffset: 0x10,

		KeyAlgorithm: KeyMultiplyXor,
	},
	{
		Name:                   "SIMK43 2.0 4mbit",
		IdentificationOffset:   0x90040,
		IdentificationExpected: [][]byte{[]byte("ca66")},

		EEPROMSizeBytes: 524288,

		MemoryOffset:      0,
		BinOffset:         -0x80000,
		MemoryWriteOffset: -0x7000,

		SingleByteRestrictionStart: 0x89FFF,
		SingleByteRestrictionStop:  0x9000F,

		CalibrationSectionAddress: 0x90000,
		CalibrationSizeBytes:      0x10000,
		CalibrationSizeBytesFlash: 0xFEFE,

		ProgramSectionOffset:            0xA0000,
		ProgramSectionSize:              0x60000,
		ProgramSectionFlashSize:         0x5FFE8,
		ProgramSectionFlashBinOffset:    0x20010,
		ProgramSectionFlashMemoryOffset: 0x10,

		KeyAlgorithm: KeyMultiplyXor,
	},
	{
		Name:                   "SIMK43 V6 4mbit (5WY17)",
		IdentificationOffset:   0x88040,
		IdentificationExpected: [][]byte{[]byte("ca65401")},

		EEPROMSizeBytes: 524288,

		MemoryOffset:      -0x8000,
		BinOffset:         -0x88000,
		MemoryWriteOffset: -0x7800,

		CalibrationSectionAddress: 0x90000,
		CalibrationSizeBytes:      0x8000,
		CalibrationSizeBytesFlash: 0x5F40,

		ProgramSectionOffset:            0x98000,
		ProgramSectionSize:              0x70000,
		ProgramSectionFlashSize:         0x6FFE4,
		ProgramSectionFlashBinOffset:    0x10010,
		ProgramSectionFlashMemoryOffset: -0x7FF0,

		KeyAlgorithm: KeyMultiplyXor,
	},
	{
		Name:                   "SIMK43 V6 4mbit (5WY18+)",
		IdentificationOffset:   0x88040,
		IdentificationExpected: [][]byte{[]byte("ca654"), []byte("ca655")},

		EEPROMSizeBytes: 524288,

		MemoryOffset:      -0x8000,
		BinOffset:         -0x88000,
		MemoryWriteOffset: -0x7800,

		CalibrationSectionAddress: 0x90000,
		// readable but non-writable tail after this
		CalibrationSizeBytes:      0x6EFF,
		CalibrationSizeBytesFlash: 0x6F20,

		ProgramSectionOffset:            0x98000,
		ProgramSectionSize:              0x70000,
		ProgramSectionFlashSize:         0x6FFE4,
		ProgramSectionFlashBinOffset:    0x10010,
		ProgramSectionFlashMemoryOffset: -0x7FF0,

		KeyAlgorithm: KeyMultiplyXor,
	},
	{
		Name:                   "SIMK41 / V6 2mbit",
		IdentificationOffset:   0x48040,
		IdentificationExpected: [][]byte{[]byte("ca660"), []byte("ca652"), []byte("ca650")},

		EEPROMSizeBytes: 262144,

		MemoryOffset:      -0x48000,
		BinOffset:         -0x88000,
		MemoryWriteOffset: -0xB800, // write at 0x84800

		SingleByteRestrictionStart: 0x89FFF,
		SingleByteRestrictionStop:  0x9000F,

		CalibrationSectionAddress: 0x90000,
		CalibrationSizeBytes:      0x8000,
		CalibrationSizeBytesFlash: 0x7F00,

		ProgramSectionOffset:            0x98000,
		ProgramSectionSize:              0x30000,
		ProgramSectionFlashSize:         0x2FFF0,
		ProgramSectionFlashBinOffset:    0x10010,
		ProgramSectionFlashMemoryOffset: -0x47FF0, // write at 0x50010

		KeyAlgorithm: KeyMultiplyXor,
	},
	{
		Name:                   "SIMK43 2.0 4mbit (Sonata)",
		IdentificationOffset:   0x88040,
		IdentificationExpected: [][]byte{[]byte("ca661")},

		EEPROMSizeBytes: 524288,

		MemoryOffset:      -0x8000,
		BinOffset:         -0x88000,
		MemoryWriteOffset: -0x7800,

		CalibrationSectionAddress: 0x90000,
		// a 4mbit ecu with a calibration zone smaller than 2mbit ecus
		CalibrationSizeBytes:      0x5FF8,
		CalibrationSizeBytesFlash: 0x5F40,

		ProgramSectionOffset:            0x98000,
		ProgramSectionSize:              0x70000,
		ProgramSectionFlashSize:         0x6FFE4,
		ProgramSectionFlashBinOffset:    0x10010,
		ProgramSectionFlashMemoryOffset: -0x7FF0,

		KeyAlgorithm: KeyMultiplyXor,
	},
}
