package ecu

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

var log = logrus.WithField("pkg", "ecu")

// ErrIdentificationFailed means no variant in the table matched the probe
// reads. The orchestrator may recover by asking the operator to pick one.
var ErrIdentificationFailed = errors.New("ecu: failed to identify ECU")

// ECU is an identified variant bound to a live KWP2000 session.
type ECU struct {
	Variant
	bus *kwp2000.Protocol
}

// Bind attaches a variant to a protocol instance without probing. Used for
// manual overrides on soft-bricked units that no longer identify.
func Bind(variant Variant, bus *kwp2000.Protocol) *ECU {
	return &ECU{Variant: variant, bus: bus}
}

// Identify probes the variant table in order and binds the first entry
// whose identification pattern matches.
func Identify(bus *kwp2000.Protocol) (*ECU, error) {
	for _, variant := range IdentificationTable {
		size := len(variant.IdentificationExpected[0])
		response, err := bus.Execute(kwp2000.ReadMemoryByAddress(variant.IdentificationOffset, byte(size)))
		if err != nil {
			var negative *kwp2000.NegativeResponseError
			if errors.As(err, &negative) {
				continue
			}
			return nil, err
		}

		read := response.Data
		if len(read) > size {
			read = read[:size]
		}
		for _, expected := range variant.IdentificationExpected {
			if bytes.Equal(read, expected) {
				log.WithField("variant", variant.Name).Info("ECU identified")
				return Bind(variant, bus), nil
			}
		}
	}
	return nil, ErrIdentificationFailed
}

func (e *ECU) Bus() *kwp2000.Protocol { return e.bus }

// PhysicalAddress converts a logical address to the address the ECU serves
// over KWP.
func (e *ECU) PhysicalAddress(logical uint32) uint32 {
	return uint32(int64(logical) + int64(e.MemoryOffset))
}

// BinIndex converts a logical address to the offset inside an image file.
func (e *ECU) BinIndex(logical uint32) uint32 {
	return uint32(int64(logical) + int64(e.BinOffset))
}

// CalibrationWriteAddress forms the RequestDownload address for the
// calibration zone. The left shift by 4 is a flash controller quirk; the
// per-variant delta is part of the variant table.
func (e *ECU) CalibrationWriteAddress() uint32 {
	return uint32(int64(e.CalibrationSectionAddress)+int64(e.MemoryWriteOffset)) << 4
}

// ProgramWriteAddress forms the RequestDownload address for the program
// zone, already past the 16-byte ready flag.
func (e *ECU) ProgramWriteAddress() uint32 {
	return uint32(int64(e.ProgramSectionOffset) + int64(e.ProgramSectionFlashMemoryOffset))
}

// SingleByteRestricted reports whether address falls inside the window
// where the eeprom only answers one-byte reads.
func (e *ECU) SingleByteRestricted(logical uint32) bool {
	if e.SingleByteRestrictionStart == 0 && e.SingleByteRestrictionStop == 0 {
		return false
	}
	physical := e.PhysicalAddress(logical)
	return physical >= e.SingleByteRestrictionStart && physical <= e.SingleByteRestrictionStop
}

// ReadMemoryByAddress reads size bytes from the logical address. A
// "can't upload" negative on a multi-byte read degrades to single-byte
// reads for the next 16 bytes; when one of those is refused too, the rest
// of the window is filled with 0xFF and skipped, this is a known
// page-switch artifact and not fatal.
func (e *ECU) ReadMemoryByAddress(offset uint32, size int) ([]byte, error) {
	response, err := e.bus.Execute(kwp2000.ReadMemoryByAddress(e.PhysicalAddress(offset), byte(size)))
	if err == nil {
		read := response.Data
		if len(read) > size {
			read = read[:size]
		}
		return read, nil
	}
	if size == 1 || !kwp2000.IsNegative(err, kwp2000.StatusCantUploadFromSpecifiedAddress) {
		return nil, err
	}

	log.WithField("offset", fmt.Sprintf("0x%X", offset)).Warn(
		"can't upload from address, likely an eeprom page switch, reading one byte at a time for the next 16 bytes")

	window := size
	if window > 16 {
		window = 16
	}
	data := make([]byte, 0, size)
	for i := 0; i < window; i++ {
		single, err := e.ReadMemoryByAddress(offset+uint32(i), 1)
		if err != nil {
			if !kwp2000.IsNegative(err, kwp2000.StatusCantUploadFromSpecifiedAddress) {
				return nil, err
			}
			log.WithField("offset", fmt.Sprintf("0x%X", offset+uint32(i))).Warn(
				"single byte read refused too, filling the window with 0xFF")
			for len(data) < window {
				data = append(data, 0xFF)
			}
			break
		}
		data = append(data, single...)
	}

	if size > window {
		rest, err := e.ReadMemoryByAddress(offset+uint32(window), size-window)
		if err != nil {
			return nil, err
		}
		data = append(data, rest...)
	}
	return data, nil
}

// Calibration returns the 8-character calibration identifier.
func (e *ECU) Calibration() (string, error) {
	data, err := e.ReadMemoryByAddress(0x90000, 8)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CalibrationDescription returns the 8-character platform description.
func (e *ECU) CalibrationDescription() (string, error) {
	data, err := e.ReadMemoryByAddress(0x90040, 8)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ClearAdaptiveValues starts a default session and resets the adaptive
// value block to defaults.
func (e *ECU) ClearAdaptiveValues(baudIndex byte) error {
	if _, err := e.bus.Execute(kwp2000.StartDiagnosticSession(kwp2000.SessionDefault, baudIndex)); err != nil {
		return err
	}
	_, err := e.bus.Execute(kwp2000.InputOutputControlByLocalIdentifier(IOAdaptiveValues, kwp2000.IOResetToDefault))
	return err
}
