package flasher

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/bsl"
	"github.com/Dante383/GKFlasher/internal/progress"
	"github.com/Dante383/GKFlasher/pkg/hardware"
)

// BslSession bundles the bootstrap loader recovery operations. It owns a
// raw serial link, not a KWP session: the two never run at the same time.
type BslSession struct {
	loader *bsl.Loader

	Sinks  SinkFactory
	Cancel *progress.Flag
}

func NewBslSession(hw *hardware.KLineHardware, assets bsl.Assets, variant bsl.TargetVariant) *BslSession {
	return &BslSession{
		loader: bsl.NewLoader(hw, assets, variant),
		Sinks:  NopSinkFactory,
		Cancel: &progress.Flag{},
	}
}

// HwInfo boots the kernel and reports the detected flash chip.
func (s *BslSession) HwInfo() (*bsl.Chip, error) {
	if err := s.loader.Bootstrap(); err != nil {
		return nil, err
	}
	return s.loader.DetectChip()
}

// ReadExtFlash dumps the external flash (size zero reads the whole chip)
// to outPath.
func (s *BslSession) ReadExtFlash(size int, outPath string) error {
	if err := s.loader.Bootstrap(); err != nil {
		return err
	}
	chip, err := s.loader.DetectChip()
	if err != nil {
		return err
	}
	if size == 0 {
		size = chip.SizeBytes
	}

	file, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer file.Close()

	sink := s.Sinks(size, "bsl read")
	if err := s.loader.ReadExtFlash(size, file, sink, s.Cancel); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	log.WithField("path", outPath).Info("external flash saved")
	return nil
}

// ReadIntRom dumps the CPU's internal ROM to outPath.
func (s *BslSession) ReadIntRom(size int, outPath string) error {
	if err := s.loader.Bootstrap(); err != nil {
		return err
	}

	file, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer file.Close()

	sink := s.Sinks(size, "bsl read rom")
	if err := s.loader.ReadIntRom(size, file, sink, s.Cancel); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	log.WithField("path", outPath).Info("internal ROM saved")
	return nil
}

// WriteExtFlash erases and programs the external flash from the image at
// path.
func (s *BslSession) WriteExtFlash(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": path, "bytes": len(payload)}).Info("image loaded")

	if err := s.loader.Bootstrap(); err != nil {
		return err
	}
	// erase walks the payload size once, programming walks it again
	sink := s.Sinks(2*len(payload), "bsl write")
	return s.loader.WriteFlash(payload, sink, s.Cancel)
}
