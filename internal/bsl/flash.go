package bsl

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/lineswap"
	"github.com/Dante383/GKFlasher/internal/progress"
)

// C167 bus configuration for reaching the external flash. SYSCON selects
// where the internal ROM is mapped; BUSCON/ADDRSEL open a 16-bit
// demultiplexed window over the chip.
const (
	sysconAddress   = 0x00FF12
	sysconExternal  = 0xE204 // ROMEN=0, BYTDIS=1, rom at 0x00000
	sysconInternal  = 0xF604 // ROMEN=1, BYTDIS=1, rom at 0x10000
	buscon0Address  = 0x00FF0C
	buscon0Data     = 0x04AD // 2 waitstates, 16-bit demuxed bus, CS r/w enable
	addrsel1Address = 0x00FE18
	addrsel1Data    = 0x4008 // 1024 KiB window at 0x400000
	buscon1Address  = 0x00FF14
	buscon1Data     = 0x848E
)

// Kernel-side memory map.
const (
	internalRomAddress   = 0x010000
	externalFlashAddress = 0x800000
	driverAddress        = 0x00F600
	driverEntryPoint     = 0x00F640
	driverCopyAddress    = 0xFC00
	blockLength          = 0x200
)

// Flash driver function codes.
const (
	fcProg     = 0x00
	fcErase    = 0x01
	fcGetState = 0x06

	fcGetStateManufacturerID = 0x00
	fcGetStateDeviceID       = 0x01
)

// configureExternalBus programs the bus controller for external flash
// access.
func (l *Loader) configureExternalBus() error {
	if err := l.SetWordAtAddress(sysconAddress, sysconExternal); err != nil {
		return err
	}
	if err := l.SetWordAtAddress(buscon0Address, buscon0Data); err != nil {
		return err
	}
	if err := l.SetWordAtAddress(addrsel1Address, addrsel1Data); err != nil {
		return err
	}
	return l.SetWordAtAddress(buscon1Address, buscon1Data)
}

// uploadDriver sends one flash driver blob to its RAM slot. On the 2.0L
// the bus remap crosses the blob on its way in, so it is pre-crossed here.
func (l *Loader) uploadDriver(path string, crossed bool) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bsl: loading flash driver: %w", err)
	}
	if crossed {
		blob = lineswap.GenerateSie(blob)
	}
	log.WithFields(logrus.Fields{"driver": path, "bytes": len(blob)}).Info("sending flash driver")
	return l.SetBlockAtAddress(driverAddress, blob)
}

// readChipID asks the uploaded driver for one GetState word.
func (l *Loader) readChipID(which uint16) (uint16, error) {
	writeAddressHigh := uint16(externalFlashAddress >> 16)
	readAddressHigh := uint16(externalFlashAddress >> 16)
	registers := [8]uint16{fcGetState, 0x0000, writeAddressHigh, readAddressHigh, 0x0000, 0x0000, which, 0x0001}
	out, err := l.CallAtAddress(driverEntryPoint, registers)
	if err != nil {
		return 0, err
	}
	id := out[1]
	if l.crossed {
		id = lineswap.BinToSie(id)
	}
	return id, nil
}

// DetectChip configures the bus, uploads the right driver (trying the V6
// one first when the variant is unknown) and identifies the external
// flash chip.
func (l *Loader) DetectChip() (*Chip, error) {
	if l.chip != nil {
		return l.chip, nil
	}

	if err := l.configureExternalBus(); err != nil {
		return nil, err
	}

	variant := l.variant
	if variant == VariantAuto {
		// try the V6 driver; a nonsense manufacturer id means the words
		// came through the crossed 2.0L bus
		log.Info("trying V6 driver")
		if err := l.uploadDriver(l.assets.DriverV6, false); err != nil {
			return nil, err
		}
		manufacturer, err := l.readChipID(fcGetStateManufacturerID)
		if err != nil {
			return nil, err
		}
		if manufacturer == ManufacturerAMD || manufacturer == ManufacturerST {
			variant = VariantV6
		} else {
			log.WithField("id", fmt.Sprintf("0x%04X", manufacturer)).Warn("unexpected manufacturer id, switching to the 2.0L driver")
			variant = VariantI4
		}
	}

	l.crossed = variant == VariantI4
	driver := l.assets.DriverV6
	if variant == VariantI4 {
		driver = l.assets.DriverI4
	}
	if err := l.uploadDriver(driver, l.crossed); err != nil {
		return nil, err
	}
	l.phase = PhaseDriverLoaded

	manufacturer, err := l.readChipID(fcGetStateManufacturerID)
	if err != nil {
		return nil, err
	}
	device, err := l.readChipID(fcGetStateDeviceID)
	if err != nil {
		return nil, err
	}

	chip, err := LookupChip(manufacturer, byte(device))
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"manufacturer": ManufacturerName(manufacturer),
		"chip":         chip.Name,
		"size":         fmt.Sprintf("0x%X", chip.SizeBytes),
		"boot sector":  chip.BootSector.String(),
	}).Info("flash chip detected")

	l.chip = chip
	return chip, nil
}

// sectorSize returns the erase sector size at the given sector index for
// the detected chip. The boot block splits one 64K sector into
// 16K/8K/8K/32K at the low end on bottom-boot chips, and into
// 32K/8K/8K/16K at the high end on top-boot chips.
func sectorSize(chip *Chip, sector int) int {
	if chip.BootSector == BootSectorBottom {
		switch sector {
		case 0:
			return 0x4000
		case 1, 2:
			return 0x2000
		case 3:
			return 0x8000
		default:
			return 0x10000
		}
	}

	// top boot: the small sectors replace the last 64K sector
	last := chip.SizeBytes/0x10000 - 1
	switch sector {
	case last + 3:
		return 0x4000
	case last + 2, last + 1:
		return 0x2000
	case last:
		return 0x8000
	default:
		return 0x10000
	}
}

// EraseFlash erases sectors from offset zero up to size bytes.
func (l *Loader) EraseFlash(size int, sink progress.Sink, cancel *progress.Flag) error {
	chip, err := l.DetectChip()
	if err != nil {
		return err
	}

	offset := 0
	sector := 0
	for offset < size {
		if cancel.Canceled() {
			return progress.ErrCanceled
		}

		sectorBytes := sectorSize(chip, sector)
		writeAddress := externalFlashAddress + offset
		lastWordAddress := uint16((externalFlashAddress + offset + sectorBytes - 2) & 0xFFFF)

		registers := [8]uint16{
			fcErase,
			uint16(writeAddress), uint16(writeAddress >> 16),
			uint16((externalFlashAddress + offset) >> 16),
			lastWordAddress, 0x0000,
			uint16(sector), 0x0001,
		}
		out, err := l.CallAtAddress(driverEntryPoint, registers)
		if err != nil {
			return fmt.Errorf("bsl: erase sector %d: %w", sector, err)
		}
		if out[7] != 0 {
			return &DriverCallError{Function: fcErase, Status: out[7]}
		}

		sink.Title(fmt.Sprintf("Erase sector %d", sector))
		sink.Add(sectorBytes)
		offset += sectorBytes
		sector++
	}
	log.WithField("sectors", sector).Info("flash erased")
	return nil
}

// WriteFlash programs payload in 512-byte blocks, skipping blocks that are
// entirely 0xFF: erased flash already reads as 0xFF.
func (l *Loader) WriteFlash(payload []byte, sink progress.Sink, cancel *progress.Flag) error {
	if _, err := l.DetectChip(); err != nil {
		return err
	}
	if err := l.EraseFlash(len(payload), sink, cancel); err != nil {
		return err
	}

	sink.Title("Programming")
	offset := 0
	for offset < len(payload) {
		if cancel.Canceled() {
			return progress.ErrCanceled
		}

		writeSize := blockLength
		if remaining := len(payload) - offset; remaining < writeSize {
			writeSize = remaining
		}
		block := payload[offset : offset+writeSize]

		if allFF(block) {
			offset += writeSize
			sink.Add(writeSize)
			continue
		}

		if err := l.SetBlockAtAddress(driverCopyAddress, block); err != nil {
			return err
		}

		writeAddress := externalFlashAddress + offset
		registers := [8]uint16{
			fcProg,
			uint16(writeSize), driverCopyAddress, 0x0000,
			uint16((externalFlashAddress + offset) >> 16),
			uint16(writeAddress), uint16(writeAddress >> 16),
			0x0001,
		}
		out, err := l.CallAtAddress(driverEntryPoint, registers)
		if err != nil {
			return fmt.Errorf("bsl: program block at 0x%X: %w", offset, err)
		}
		if out[7] != 0 {
			return &DriverCallError{Function: fcProg, Status: out[7]}
		}

		offset += writeSize
		sink.Add(writeSize)
	}
	log.WithField("bytes", offset).Info("flash programmed")
	return nil
}

// ReadExtFlash streams the external flash into w. size zero reads the
// whole detected chip.
func (l *Loader) ReadExtFlash(size int, w io.Writer, sink progress.Sink, cancel *progress.Flag) error {
	chip, err := l.DetectChip()
	if err != nil {
		return err
	}
	if size == 0 {
		size = chip.SizeBytes
	}
	return l.readBlocks(externalFlashAddress, size, w, sink, cancel)
}

// ReadIntRom streams the CPU's internal ROM into w after remapping it to
// its boot location.
func (l *Loader) ReadIntRom(size int, w io.Writer, sink progress.Sink, cancel *progress.Flag) error {
	if err := l.SetWordAtAddress(sysconAddress, sysconInternal); err != nil {
		return err
	}
	return l.readBlocks(internalRomAddress, size, w, sink, cancel)
}

func (l *Loader) readBlocks(base, size int, w io.Writer, sink progress.Sink, cancel *progress.Flag) error {
	offset := 0
	for offset < size {
		if cancel.Canceled() {
			return progress.ErrCanceled
		}

		readSize := blockLength
		if remaining := size - offset; remaining < readSize {
			readSize = remaining
		}
		block, err := l.GetBlockAtAddress(uint32(base+offset), readSize)
		if err != nil {
			return fmt.Errorf("bsl: read at 0x%X: %w", base+offset, err)
		}
		if _, err := w.Write(block); err != nil {
			return err
		}
		offset += readSize
		sink.Add(readSize)
	}
	return nil
}

func allFF(block []byte) bool {
	for _, b := range block {
		if b != 0xFF {
			return false
		}
	}
	return true
}
