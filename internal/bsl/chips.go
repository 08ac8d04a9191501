package bsl

import "fmt"

// BootSector says which end of the chip carries the small boot-block
// sectors.
type BootSector int

const (
	BootSectorBottom BootSector = iota
	BootSectorTop
)

func (b BootSector) String() string {
	if b == BootSectorTop {
		return "Top"
	}
	return "Bottom"
}

// Chip describes a detected external flash chip.
type Chip struct {
	Name           string
	ManufacturerID uint16
	DeviceID       byte
	SizeBytes      int
	BootSector     BootSector
}

// ChipUnknownError: the id pair matched nothing in the table. The
// orchestrator may fall back to asking the operator.
type ChipUnknownError struct {
	ManufacturerID uint16
	DeviceID       byte
}

func (e *ChipUnknownError) Error() string {
	return fmt.Sprintf("bsl: unknown flash chip, manufacturer 0x%02X device 0x%02X", e.ManufacturerID, e.DeviceID)
}

const (
	ManufacturerAMD = 0x01
	ManufacturerST  = 0x20
)

var manufacturerNames = map[uint16]string{
	ManufacturerAMD: "AMD",
	ManufacturerST:  "ST",
}

// chipTable is keyed by manufacturer, then by the low byte of the device
// id. AMD and ST reuse device bytes, so the tables must stay separate.
var chipTable = map[uint16]map[byte]Chip{
	ManufacturerAMD: {
		0x57: {Name: "AM29F200BB", SizeBytes: 1 << 18, BootSector: BootSectorBottom},
		0xAB: {Name: "AM29F400BB", SizeBytes: 1 << 19, BootSector: BootSectorBottom},
		0x58: {Name: "AM29F800BB", SizeBytes: 1 << 20, BootSector: BootSectorBottom},
		0x51: {Name: "AM29F200BT", SizeBytes: 1 << 18, BootSector: BootSectorTop},
		0x23: {Name: "AM29F400BT", SizeBytes: 1 << 19, BootSector: BootSectorTop},
		0xD6: {Name: "AM29F800BT", SizeBytes: 1 << 20, BootSector: BootSectorTop},
	},
	ManufacturerST: {
		0xD4: {Name: "M29F200BB", SizeBytes: 1 << 18, BootSector: BootSectorBottom},
		0xD6: {Name: "M29F400BB", SizeBytes: 1 << 19, BootSector: BootSectorBottom},
		0xD5: {Name: "M29F200BT", SizeBytes: 1 << 18, BootSector: BootSectorTop},
		0xD3: {Name: "M29F400BT", SizeBytes: 1 << 19, BootSector: BootSectorTop},
	},
}

// LookupChip resolves a manufacturer/device id pair.
func LookupChip(manufacturerID uint16, deviceID byte) (*Chip, error) {
	devices, ok := chipTable[manufacturerID]
	if !ok {
		return nil, &ChipUnknownError{ManufacturerID: manufacturerID, DeviceID: deviceID}
	}
	chip, ok := devices[deviceID]
	if !ok {
		return nil, &ChipUnknownError{ManufacturerID: manufacturerID, DeviceID: deviceID}
	}
	chip.ManufacturerID = manufacturerID
	chip.DeviceID = deviceID
	return &chip, nil
}

// ManufacturerName returns a label for the id, or "Unknown".
func ManufacturerName(id uint16) string {
	if name, ok := manufacturerNames[id]; ok {
		return name
	}
	return "Unknown"
}
