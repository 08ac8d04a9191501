package bsl

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/pkg/hardware"
)

var log = logrus.WithField("pkg", "bsl")

// Link is the raw serial capability the loader needs. Satisfied by
// hardware.KLineHardware; tests script it in memory.
type Link interface {
	Write(payload []byte) (int, error)
	ReadExact(n int) ([]byte, error)
	DrainInput() error
	SetDTR(level bool) error
	SetRTS(level bool) error
}

var _ Link = (*hardware.KLineHardware)(nil)

// Phase tracks how far the bootstrap sequence has progressed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBootstrapSent
	PhaseKernelRunning
	PhaseDriverLoaded
)

// TargetVariant selects the flash driver blob and whether the address/data
// line remap applies. Empty means autodetect.
type TargetVariant string

const (
	VariantAuto TargetVariant = ""
	VariantV6   TargetVariant = "v6"
	VariantI4   TargetVariant = "i4"
)

// Assets point at the loader binaries shipped alongside the tool.
type Assets struct {
	Bootstrap string
	Kernel    string
	DriverV6  string
	DriverI4  string
}

// DefaultAssets mirrors the layout of the release archive.
var DefaultAssets = Assets{
	Bootstrap: "assets/simk4x_bootstrap.bin",
	Kernel:    "assets/simk4x_kernel.bin",
	DriverV6:  "assets/simk4x_driver_v6_a29fx00bx.bin",
	DriverI4:  "assets/simk4x_driver_i4_a29fx00bx.bin",
}

// Loader owns a serial link to a CPU sitting in (or about to enter) the
// factory bootstrap loader.
type Loader struct {
	hw      Link
	assets  Assets
	variant TargetVariant

	phase   Phase
	crossed bool // 2.0L: words cross the remapped bus
	chip    *Chip
}

func NewLoader(hw Link, assets Assets, variant TargetVariant) *Loader {
	return &Loader{hw: hw, assets: assets, variant: variant}
}

func (l *Loader) Phase() Phase { return l.phase }

func (l *Loader) Chip() *Chip { return l.chip }

// ResetAdapter power-cycles the adapter side: DTR pulsed high then low,
// RTS held low. This wakes the CPU into bootstrap mode on boards with the
// boot pin wired to the adapter.
func (l *Loader) ResetAdapter() error {
	if err := l.hw.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := l.hw.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := l.hw.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return l.hw.DrainInput()
}

// Hello sends the zero byte the boot ROM waits for and interprets the
// answer: 0xAA means an already-running kernel, anything else is the CPU
// variant tag and the loader chain must be uploaded.
func (l *Loader) Hello() (byte, error) {
	if err := l.sendWithEcho([]byte{0x00}); err != nil {
		return 0, err
	}
	response, err := l.hw.ReadExact(1)
	if err != nil {
		return 0, fmt.Errorf("bsl: no response from ECU, is the device in boot mode? %w", err)
	}
	return response[0], nil
}

// Bootstrap runs the full phase sequence: adapter reset, hello, loader and
// kernel upload when needed, and the final communication test.
func (l *Loader) Bootstrap() error {
	if err := l.ResetAdapter(); err != nil {
		return err
	}

	tag, err := l.Hello()
	if err != nil {
		return err
	}

	if tag == Ack1 {
		log.Info("kernel already running")
		l.phase = PhaseKernelRunning
		return l.TestComm()
	}

	switch tag {
	case VariantC167Old:
		log.WithField("tag", fmt.Sprintf("0x%02X", tag)).Info("CPU variant: C167 (old mask)")
	case VariantC167CR:
		log.WithField("tag", fmt.Sprintf("0x%02X", tag)).Info("CPU variant: SAK-C167CR-LM")
	case VariantC167WithID:
		log.WithField("tag", fmt.Sprintf("0x%02X", tag)).Info("CPU variant: SAK-C167CS-LM")
	default:
		log.WithField("tag", fmt.Sprintf("0x%02X", tag)).Warn("unrecognized CPU variant tag, continuing anyway")
	}

	if err := l.uploadStage(l.assets.Bootstrap, IndLoaderStarted, "bootstrap"); err != nil {
		return err
	}
	l.phase = PhaseBootstrapSent

	if err := l.uploadStage(l.assets.Kernel, IndApplicationStarted, "kernel"); err != nil {
		return err
	}
	l.phase = PhaseKernelRunning

	return l.TestComm()
}

// uploadStage streams one loader binary and waits for its start
// indication.
func (l *Loader) uploadStage(path string, indication byte, name string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bsl: loading %s: %w", name, err)
	}
	log.WithFields(logrus.Fields{"stage": name, "bytes": len(blob)}).Info("sending loader stage")

	if err := l.sendWithEcho(blob); err != nil {
		return err
	}
	response, err := l.hw.ReadExact(1)
	if err != nil {
		return &AckMissingError{Context: name + " upload", Expected: indication, Received: response}
	}
	if response[0] != indication {
		return &AckMissingError{Context: name + " upload", Expected: indication, Received: response}
	}
	log.WithField("stage", name).Info("stage acknowledged")
	return nil
}
