// Package checksum recomputes the embedded CRC tables of SIMK4x firmware
// images. A family flag ("OK") at a family-specific offset selects the
// layout; each region carries a small table declaring the zones the ECU's
// verify routine checks.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "checksum")

// ErrUnknownFamily means no family flag matched; the image is either
// corrupt or from an unsupported ECU.
var ErrUnknownFamily = errors.New("checksum: could not detect image family")

var familyFlag = []byte("OK")

// Region is one checksummed area of an image: the address of its checksum
// table, the address its initial value is seeded from, and the offset
// converting the zone table's physical addresses to image offsets.
type Region struct {
	Name        string
	FlagAddress uint32
	InitAddress uint32
	CksAddress  uint32
	BinOffset   int64
}

// Family is one image layout, selected by the flag location.
type Family struct {
	Name                      string
	IdentificationFlagAddress uint32
	Regions                   []Region
}

// Families lists the known layouts. Probed in order.
var Families = []Family{
	{
		Name:                      "2mbit",
		IdentificationFlagAddress: 0xFEFE,
		Regions: []Region{
			{Name: "Calibration", FlagAddress: 0xFEFE, InitAddress: 0x00800C, CksAddress: 0x0FEE0, BinOffset: -0x88000},
			{Name: "Program", FlagAddress: 0xFEFE, InitAddress: 0x010052, CksAddress: 0x010010, BinOffset: -0x88000},
		},
	},
	{
		Name:                      "4mbit",
		IdentificationFlagAddress: 0x017EFE,
		Regions: []Region{
			{Name: "Calibration", FlagAddress: 0x017EFE, InitAddress: 0x01000C, CksAddress: 0x017EE0, BinOffset: -0x080000},
			{Name: "Program", FlagAddress: 0x17EFE, InitAddress: 0x020052, CksAddress: 0x020010, BinOffset: -0x080000},
		},
	},
	{
		Name:                      "v6",
		IdentificationFlagAddress: 0xDEFE,
		Regions: []Region{
			{Name: "Calibration", FlagAddress: 0xDEFE, InitAddress: 0x0800C, CksAddress: 0xDEE0, BinOffset: -0x88000},
			{Name: "Program", FlagAddress: 0xDEFE, InitAddress: 0x010052, CksAddress: 0x010010, BinOffset: -0x88000},
		},
	},
	{
		Name:                      "8mbit",
		IdentificationFlagAddress: 0x97EFE,
		Regions: []Region{
			{Name: "Calibration", FlagAddress: 0x97EFE, InitAddress: 0x09000C, CksAddress: 0x097EE0, BinOffset: 0},
			{Name: "Program", FlagAddress: 0x97EFE, InitAddress: 0x0A0052, CksAddress: 0x0A0010, BinOffset: 0},
		},
	},
}

// DetectFamily finds the layout whose flag matches the image.
func DetectFamily(payload []byte) (*Family, error) {
	for i := range Families {
		family := &Families[i]
		flag := family.IdentificationFlagAddress
		if int(flag)+2 > len(payload) {
			continue
		}
		if string(payload[flag:flag+2]) == string(familyFlag) {
			return family, nil
		}
	}
	return nil, ErrUnknownFamily
}

// RegionResult reports one corrected region.
type RegionResult struct {
	Region   string
	Zones    int
	Previous uint16
	Computed uint16
}

// Correct recomputes every region's checksum in place. Idempotent: running
// it on an already-correct image leaves the bytes identical.
func Correct(payload []byte) ([]RegionResult, error) {
	family, err := DetectFamily(payload)
	if err != nil {
		return nil, err
	}
	log.WithField("family", family.Name).Info("image family detected")

	var results []RegionResult
	for _, region := range family.Regions {
		result, err := correctRegion(payload, region)
		if err != nil {
			return results, fmt.Errorf("region %s: %w", region.Name, err)
		}
		if result != nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

func correctRegion(payload []byte, region Region) (*RegionResult, error) {
	cks := int(region.CksAddress)
	if cks+3 > len(payload) {
		return nil, errors.New("checksum table outside image")
	}

	amountOfZones := int(payload[cks+2])
	if amountOfZones == 0 || amountOfZones == 0xFF {
		log.WithField("region", region.Name).Info("no zones declared, skipping region")
		return nil, nil
	}

	var checksums []uint16
	zoneAddress := cks
	for zoneIndex := 0; zoneIndex < amountOfZones; zoneIndex++ {
		zoneStart, err := zoneBound(payload, zoneAddress+0x04, region.BinOffset)
		if err != nil {
			return nil, err
		}
		zoneStop, err := zoneBound(payload, zoneAddress+0x08, region.BinOffset)
		if err != nil {
			return nil, err
		}
		zoneStop++

		if zoneStart < 0 || zoneStop > int64(len(payload)) || zoneStart >= zoneStop {
			return nil, fmt.Errorf("zone %d bounds 0x%X-0x%X outside image", zoneIndex+1, zoneStart, zoneStop)
		}

		var initial uint16
		if zoneIndex == 0 {
			init := int(region.InitAddress)
			if init+2 > len(payload) {
				return nil, errors.New("initial value outside image")
			}
			initial = binary.LittleEndian.Uint16(payload[init : init+2])
		} else {
			initial = checksums[zoneIndex-1]
		}

		zoneCks := CRC16(payload[zoneStart:zoneStop], initial)
		log.WithFields(logrus.Fields{
			"region": region.Name,
			"zone":   zoneIndex + 1,
			"start":  fmt.Sprintf("0x%X", zoneStart),
			"stop":   fmt.Sprintf("0x%X", zoneStop),
			"crc":    fmt.Sprintf("0x%04X", zoneCks),
		}).Debug("zone checksum")

		checksums = append(checksums, zoneCks)
		zoneAddress += 0x08
	}

	previous := binary.BigEndian.Uint16(payload[cks : cks+2])
	// the ECU stores the word byte-swapped
	corrected := checksums[len(checksums)-1]
	corrected = corrected<<8 | corrected>>8

	binary.BigEndian.PutUint16(payload[cks:cks+2], corrected)

	return &RegionResult{
		Region:   region.Name,
		Zones:    len(checksums),
		Previous: previous,
		Computed: corrected,
	}, nil
}

// zoneBound reads a 3-byte little-endian address from the zone table and
// rebases it into the image.
func zoneBound(payload []byte, offset int, binOffset int64) (int64, error) {
	if offset+3 > len(payload) {
		return 0, errors.New("zone table outside image")
	}
	value := int64(payload[offset]) | int64(payload[offset+1])<<8 | int64(payload[offset+2])<<16
	return value + binOffset, nil
}
