// Package flasher is the orchestration facade: it owns the KWP session
// lifecycle and exposes the high-level operations the CLI (or a GUI)
// invokes. Every exchange on the bus is serialized by the protocol engine.
// Operations return their errors without closing the session; Close ends
// it best-effort, and the CLI defers Close on every path.
package flasher

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/ecu"
	"github.com/Dante383/GKFlasher/internal/memory"
	"github.com/Dante383/GKFlasher/internal/progress"
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

var log = logrus.WithField("pkg", "flasher")

const (
	// defaultTimeout is the per-read timeout of a settled session.
	defaultTimeout = 12 * time.Second
	// verifyTimeout is in force around the VerifyBlocks routine, which
	// checksums whole zones on a 20 MHz CPU.
	verifyTimeout = 300 * time.Second
	// resetTimeout caps the wait for the reset acknowledgment; the ECU
	// often reboots before answering and that is fine.
	resetTimeout = 500 * time.Millisecond

	keepaliveDelay = 1500 * time.Millisecond
)

// SinkFactory builds a progress sink for an operation of total units.
// The CLI wires progress bars through this; headless callers use
// NopSinkFactory.
type SinkFactory func(total int, title string) progress.Sink

func NopSinkFactory(int, string) progress.Sink { return progress.Nop{} }

// ZoneKind selects what a read or flash operation covers.
type ZoneKind int

const (
	ZoneFull ZoneKind = iota
	ZoneCalibration
	ZoneProgram
)

// VerifyBlocksError: the post-write consistency check failed. The ECU is
// soft-bricked but recoverable: flash a valid image.
type VerifyBlocksError struct {
	Status ecu.ReprogrammingStatus
}

func (e *VerifyBlocksError) Error() string {
	return fmt.Sprintf("flasher: block verification failed, ECU soft-bricked (recover by flashing a valid image)\n%s", e.Status)
}

// Flasher drives one ECU session end to end.
type Flasher struct {
	bus       *kwp2000.Protocol
	ecu       *ecu.ECU
	baudIndex byte

	Sinks  SinkFactory
	Cancel *progress.Flag
}

func New(bus *kwp2000.Protocol) *Flasher {
	return &Flasher{bus: bus, Sinks: NopSinkFactory, Cancel: &progress.Flag{}}
}

func (f *Flasher) Bus() *kwp2000.Protocol { return f.bus }

func (f *Flasher) ECU() *ecu.ECU { return f.ecu }

func (f *Flasher) BaudIndex() byte { return f.baudIndex }

// Begin wakes the bus, opens a flash reprogramming session (renegotiating
// the baudrate when asked to), widens the timing parameters to their
// limits and unlocks security access.
func (f *Flasher) Begin(desiredBaudIndex byte) error {
	err := f.bus.Init(
		kwp2000.StartCommunication(),
		kwp2000.TesterPresent(kwp2000.ResponseRequired),
		keepaliveDelay,
	)
	if err != nil {
		return err
	}

	if desiredBaudIndex != 0 {
		baudrate, ok := kwp2000.Baudrates[desiredBaudIndex]
		if !ok {
			return fmt.Errorf("flasher: invalid baudrate index 0x%02X", desiredBaudIndex)
		}
		log.WithField("baudrate", baudrate).Info("starting diagnostic session")
		if err := f.bus.StartDiagnosticSessionBaudrate(kwp2000.SessionFlashReprogramming, desiredBaudIndex); err != nil {
			return err
		}
		f.baudIndex = desiredBaudIndex
	} else {
		log.Info("starting diagnostic session")
		if _, err := f.bus.Execute(kwp2000.StartDiagnosticSession(kwp2000.SessionFlashReprogramming, 0)); err != nil {
			return err
		}
	}

	f.bus.SetTimeout(defaultTimeout)

	if err := f.maximizeTimingParameters(); err != nil {
		return err
	}

	log.Info("security access")
	return ecu.EnableSecurityAccess(f.bus)
}

// maximizeTimingParameters reads the ECU's timing limits and applies them.
// Some bootloaders refuse the service; that is not fatal.
func (f *Flasher) maximizeTimingParameters() error {
	log.Info("setting timing parameters to maximum")
	response, err := f.bus.Execute(kwp2000.AccessTimingParameters(kwp2000.TimingReadLimits))
	if err != nil {
		var negative *kwp2000.NegativeResponseError
		if errors.As(err, &negative) {
			log.Info("timing parameters not supported on this ECU")
			return nil
		}
		return err
	}
	if len(response.Data) < 2 {
		return nil
	}
	_, err = f.bus.Execute(kwp2000.AccessTimingParameters(kwp2000.TimingSetGiven, response.Data[1:]...))
	if err != nil {
		var negative *kwp2000.NegativeResponseError
		if errors.As(err, &negative) {
			log.Info("timing parameters not accepted on this ECU")
			return nil
		}
	}
	return err
}

// Identify probes the variant table and binds the result to this session.
func (f *Flasher) Identify() (*ecu.ECU, error) {
	identified, err := ecu.Identify(f.bus)
	if err != nil {
		return nil, err
	}
	f.ecu = identified
	return identified, nil
}

// BindVariant forces a variant, for soft-bricked units that no longer
// answer the identification probe.
func (f *Flasher) BindVariant(index int) (*ecu.ECU, error) {
	if index < 0 || index >= len(ecu.IdentificationTable) {
		return nil, fmt.Errorf("flasher: no variant %d", index)
	}
	f.ecu = ecu.Bind(ecu.IdentificationTable[index], f.bus)
	return f.ecu, nil
}

func (f *Flasher) needECU() error {
	if f.ecu == nil {
		return errors.New("flasher: no ECU bound, identify first")
	}
	return nil
}

// zoneRange resolves a zone kind to a logical address range.
func (f *Flasher) zoneRange(kind ZoneKind) (uint32, uint32) {
	e := f.ecu
	switch kind {
	case ZoneCalibration:
		start := e.CalibrationSectionAddress
		return start, start + uint32(e.CalibrationSizeBytes)
	case ZoneProgram:
		start := e.ProgramSectionOffset
		return start, start + uint32(e.ProgramSectionSize)
	default:
		start := uint32(-e.BinOffset)
		return start, start + uint32(e.EEPROMSizeBytes)
	}
}

// ReadOptions tune ReadZone.
type ReadOptions struct {
	Kind ZoneKind
	// AddressStart/Stop override the zone range when nonzero.
	AddressStart uint32
	AddressStop  uint32
	// EscalatePrivileges attempts the Siemens-level security access first,
	// which unlocks reads of the whole address space on patched ECUs.
	EscalatePrivileges bool
	OutputPath         string
}

// ReadZone reads the requested range into a full-size eeprom image (gaps
// kept 0xFF) and writes it out. Returns the path written.
func (f *Flasher) ReadZone(options ReadOptions) (string, error) {
	if err := f.needECU(); err != nil {
		return "", err
	}

	if options.EscalatePrivileges {
		log.Info("attempting privilege escalation")
		if err := f.ecu.SecurityAccess(ecu.AccessLevelSiemens); err != nil {
			log.Warn("privilege escalation failed, read will only cover the calibration and program zones")
		} else {
			log.Info("privilege escalation granted")
		}
	}

	addressStart, addressStop := f.zoneRange(options.Kind)
	if options.AddressStart != 0 {
		addressStart = options.AddressStart
	}
	if options.AddressStop != 0 {
		addressStop = options.AddressStop
	}
	log.WithFields(logrus.Fields{
		"start": fmt.Sprintf("0x%X", addressStart),
		"stop":  fmt.Sprintf("0x%X", addressStop),
	}).Info("reading")

	sink := f.Sinks(int(addressStop-addressStart), "read")
	fetched, err := memory.ReadMemory(f.ecu, addressStart, addressStop, sink, f.Cancel)
	if err != nil && !errors.Is(err, progress.ErrCanceled) {
		return "", err
	}
	canceled := errors.Is(err, progress.ErrCanceled)

	eeprom := make([]byte, f.ecu.EEPROMSizeBytes)
	for i := range eeprom {
		eeprom[i] = 0xFF
	}
	start := f.ecu.BinIndex(addressStart)
	copy(eeprom[start:], fetched)

	path := options.OutputPath
	if path == "" {
		path = f.outputFilename(addressStart, addressStop)
	}
	if err := writeFile(path, eeprom); err != nil {
		return "", err
	}
	log.WithField("path", path).Info("saved")

	if canceled {
		// partial reads are written out verbatim so they can be inspected
		return path, progress.ErrCanceled
	}
	return path, nil
}

// outputFilename builds the conventional dump name from the ECU's own
// identifiers, falling back to the raw range when they are unreadable.
func (f *Flasher) outputFilename(addressStart, addressStop uint32) string {
	description, errDescription := f.ecu.CalibrationDescription()
	calibration, errCalibration := f.ecu.Calibration()
	hwRevC, errC := f.readIdentificationString(0x8C)
	hwRevD, errD := f.readIdentificationString(0x8D)
	if errDescription != nil || errCalibration != nil || errC != nil || errD != nil {
		return fmt.Sprintf("output_0x%X_to_0x%X.bin", addressStart, addressStop)
	}
	return fmt.Sprintf("%s_%s_%s_%s_%s.bin",
		stripNonAlnum(description), stripNonAlnum(calibration), hwRevC, hwRevD,
		time.Now().Format("2006-01-02_1504"))
}

func (f *Flasher) readIdentificationString(parameter byte) (string, error) {
	response, err := f.bus.Execute(kwp2000.ReadEcuIdentification(parameter))
	if err != nil {
		return "", err
	}
	if len(response.Data) < 1 {
		return "", nil
	}
	return stripNonAlnum(string(response.Data[1:])), nil
}

// FlashOptions tune FlashImage.
type FlashOptions struct {
	Calibration bool
	Program     bool
}

// FlashImage runs the full reflash sequence on the image at path: erase
// and write each selected zone, verify, reset. The 16-byte ready flag at
// the top of each zone stays erased until the ECU verifies.
func (f *Flasher) FlashImage(path string, options FlashOptions) error {
	if err := f.needECU(); err != nil {
		return err
	}

	eeprom, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": path, "bytes": len(eeprom)}).Info("image loaded")

	if options.Program {
		if err := f.flashProgramZone(eeprom); err != nil {
			return err
		}
	}
	if options.Calibration {
		if err := f.flashCalibrationZone(eeprom); err != nil {
			return err
		}
	}

	if err := f.verifyBlocks(); err != nil {
		return err
	}

	log.Info("resetting ECU")
	f.bus.SetTimeout(resetTimeout)
	if _, err := f.bus.Execute(kwp2000.ECUReset(kwp2000.ResetPowerOn)); err != nil {
		// the ECU usually drops off the bus mid-reset; not fatal
		log.WithError(err).Debug("no reset acknowledgment")
	}
	f.bus.SetTimeout(defaultTimeout)
	log.Info("done")
	return nil
}

func (f *Flasher) flashProgramZone(eeprom []byte) error {
	e := f.ecu
	log.Info("erasing program section")
	if _, err := f.bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineEraseProgram)); err != nil {
		return err
	}

	payloadStart := e.ProgramSectionFlashBinOffset
	payload, flashSize := trimmedPayload(eeprom, int(payloadStart), e.ProgramSectionFlashSize)
	if flashSize == 0 {
		log.Info("program payload empty after trimming, skipping write")
		return nil
	}

	sink := f.Sinks(flashSize, "program")
	return memory.WriteMemory(e, payload, e.ProgramWriteAddress(), flashSize, sink, f.Cancel)
}

func (f *Flasher) flashCalibrationZone(eeprom []byte) error {
	e := f.ecu
	log.Info("erasing calibration section")
	if _, err := f.bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineEraseCalibration)); err != nil {
		return err
	}

	payloadStart := e.BinIndex(e.CalibrationSectionAddress)
	// the first 16 bytes hold the ready flag, they must stay erased
	payload, flashSize := trimmedPayload(eeprom, int(payloadStart), e.CalibrationSizeBytes-16)
	if flashSize == 0 {
		log.Info("calibration payload empty after trimming, skipping write")
		return nil
	}

	sink := f.Sinks(flashSize, "calibration")
	return memory.WriteMemory(e, payload, e.CalibrationWriteAddress(), flashSize, sink, f.Cancel)
}

// trimmedPayload slices the zone out of the image and trims the trailing
// 0xFF run down to the transfer quantum, padding with 0xFF when the
// round-up passes the zone end.
func trimmedPayload(eeprom []byte, start, maxSize int) ([]byte, int) {
	if start >= len(eeprom) {
		return nil, 0
	}
	stop := start + maxSize
	if stop > len(eeprom) {
		stop = len(eeprom)
	}
	zone := eeprom[start:stop]

	size := memory.DynamicFindEnd(zone)
	if size == 0 {
		return nil, 0
	}
	if size <= len(zone) {
		return zone[:size], size
	}
	padded := make([]byte, size)
	copy(padded, zone)
	for i := len(zone); i < size; i++ {
		padded[i] = 0xFF
	}
	return padded, size
}

// verifyBlocks asks the ECU to checksum what was just written. On refusal
// the detailed reprogramming status is fetched and surfaced verbatim.
func (f *Flasher) verifyBlocks() error {
	log.Info("verifying written blocks")
	f.bus.SetTimeout(verifyTimeout)
	defer f.bus.SetTimeout(defaultTimeout)

	_, err := f.bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineVerifyBlocks))
	if err == nil {
		return nil
	}
	var negative *kwp2000.NegativeResponseError
	if !errors.As(err, &negative) {
		return err
	}

	log.Warn("block verification failed, did you forget to correct the checksum? fetching reprogramming status")
	response, statusErr := f.bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineCheckReprogrammingStatus))
	if statusErr != nil || len(response.Data) < 1 {
		return fmt.Errorf("flasher: verify failed and status unavailable: %w", err)
	}
	return &VerifyBlocksError{Status: ecu.ParseReprogrammingStatus(response.Data[1:])}
}

// ClearAdaptiveValues resets the adaptive value block. Ignition must stay
// off for ten seconds afterwards for the ECU to persist it.
func (f *Flasher) ClearAdaptiveValues() error {
	if err := f.needECU(); err != nil {
		return err
	}
	return f.ecu.ClearAdaptiveValues(f.baudIndex)
}

// SecurityAccess runs the seed/key handshake at the given level.
func (f *Flasher) SecurityAccess(level ecu.AccessLevel) error {
	if err := f.needECU(); err != nil {
		return err
	}
	return f.ecu.SecurityAccess(level)
}

// ReadVIN fetches the VIN through the undocumented 0x09 0x02 service.
func (f *Flasher) ReadVIN() (string, error) {
	if _, err := f.bus.Execute(kwp2000.StartDiagnosticSession(kwp2000.SessionDefault, f.baudIndex)); err != nil {
		return "", err
	}
	response, err := f.bus.Execute(kwp2000.RawCommand(0x09, 0x02))
	if err != nil {
		return "", err
	}
	return string(response.Data), nil
}

// WriteVIN programs a new VIN. No validation: the ECU accepts what it
// gets.
func (f *Flasher) WriteVIN(vin string) error {
	if _, err := f.bus.Execute(kwp2000.StartDiagnosticSession(kwp2000.SessionFlashReprogramming, f.baudIndex)); err != nil {
		return err
	}
	if err := ecu.EnableSecurityAccess(f.bus); err != nil {
		return err
	}
	_, err := f.bus.Execute(kwp2000.WriteDataByLocalIdentifier(0x90, []byte(vin)))
	return err
}

// Close shuts the session down, best effort.
func (f *Flasher) Close() error {
	return f.bus.Close()
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// writeFile writes data and makes sure it hits the disk on every path.
func writeFile(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Sync()
}
