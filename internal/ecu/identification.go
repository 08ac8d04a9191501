package ecu

import (
	"errors"

	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

// IdentificationParameter is one ReadEcuIdentification PID and its
// catalog name.
type IdentificationParameter struct {
	Value byte
	Name  string
}

// IdentificationParameters catalogs the PIDs the SIMK4x family answers.
var IdentificationParameters = []IdentificationParameter{
	{0x86, "DCS ECU Identification"},
	{0x87, "DCX/MMC ECU Identification"},
	{0x88, "VIN (original)"},
	{0x89, "Diagnostic Variant Code"},
	{0x90, "VIN (current)"},
	{0x96, "Calibration identification"},
	{0x97, "Calibration Verification Number"},
	{0x9A, "ECU Code Fingerprint"},
	{0x9B, "ECU Data Fingerprint"},
	{0x9C, "ECU Code Software Identification"},
	{0x9D, "ECU Data Software Identification"},
	{0x9E, "ECU Boot Software Identification"},
	{0x9F, "ECU Boot Fingerprint"},
	{0x8A, "System supplier specific"},
	{0x8B, "System supplier specific"},
	{0x8C, "Bootloader version"},
	{0x8D, "Program code version"},
	{0x8E, "Calibration version"},
	{0x8F, "System supplier specific"},
}

// IdentificationValue is one answered PID: the catalog name and the value
// bytes after the PID echo.
type IdentificationValue struct {
	Parameter IdentificationParameter
	Value     []byte
}

// FetchIdentification reads every cataloged PID, skipping the ones the ECU
// refuses.
func FetchIdentification(bus *kwp2000.Protocol) ([]IdentificationValue, error) {
	var values []IdentificationValue
	for _, parameter := range IdentificationParameters {
		response, err := bus.Execute(kwp2000.ReadEcuIdentification(parameter.Value))
		if err != nil {
			var negative *kwp2000.NegativeResponseError
			if errors.As(err, &negative) {
				continue
			}
			return values, err
		}
		if len(response.Data) < 1 {
			continue
		}
		values = append(values, IdentificationValue{Parameter: parameter, Value: response.Data[1:]})
	}
	return values, nil
}
