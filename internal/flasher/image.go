package flasher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/checksum"
	"github.com/Dante383/GKFlasher/internal/lineswap"
)

// CorrectChecksum recomputes the embedded checksums of the image at path
// and writes the corrected bytes back in place.
func CorrectChecksum(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	results, err := checksum.Correct(payload)
	if err != nil {
		return err
	}
	for _, result := range results {
		log.WithFields(logrus.Fields{
			"region":   result.Region,
			"zones":    result.Zones,
			"previous": result.Previous,
			"computed": result.Computed,
		}).Info("region checksum corrected")
	}

	return writeFile(path, payload)
}

// BinToSie converts a BIN image to the SIE layout next to the original.
// Returns the path written.
func BinToSie(path string) (string, error) {
	return convertImage(path, ".sie", lineswap.GenerateSie)
}

// SieToBin converts a SIE dump back to the BIN layout next to the
// original. Returns the path written.
func SieToBin(path string) (string, error) {
	return convertImage(path, ".bin", lineswap.GenerateBin)
}

func convertImage(path, extension string, convert func([]byte) []byte) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + extension
	if err := writeFile(out, convert(payload)); err != nil {
		return "", err
	}
	log.WithField("path", out).Info("converted image saved")
	return out, nil
}
