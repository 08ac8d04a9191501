package ecu

import (
	"fmt"
	"strings"
)

// ReprogrammingStatus is the 16-bit word returned by the
// CheckReprogrammingStatus routine. Bit 0 is the lowest bit of the word as
// transmitted big-endian on the wire.
type ReprogrammingStatus uint16

const (
	StatusChecksumOfCalibrationCorrect ReprogrammingStatus = 1 << iota
	StatusSecurityKeysCalibrationNotWritten
	StatusSecurityKeysCalibrationCorrect
	StatusCalibrationDataCorrect
	StatusChecksumOfSoftwareCorrect
	StatusSecurityKeysSoftwareNotWritten
	StatusSecurityKeysSoftwareCorrect
	StatusSoftwareCorrect
	StatusReprogrammingCompleted
	StatusNotAtEndOfReprogramming
	StatusCoherenceIdentifiersFit
	StatusCalibrationDoesNotFitSoftware
	StatusSoftwareDoesNotFitBoot
	StatusCoherenceIdentifierCalibrationErroneous
	StatusCoherenceIdentifierSoftwareErroneous
	StatusCoherenceIdentifierBootErroneous
)

var reprogrammingStatusNames = []string{
	"checksum_of_calibration_data_is_correct",
	"security_keys_for_calibration_data_are_not_written",
	"security_keys_for_calibration_data_are_correct",
	"calibration_data_is_correct",
	"checksum_of_ecu_sw_is_correct",
	"security_keys_for_ecu_sw_are_not_written",
	"security_keys_for_ecu_sw_are_correct",
	"ecu_sw_is_correct",
	"ecu_reprogramming_successfully_completed",
	"ecu_is_not_at_the_end_of_reprogramming_session",
	"coherence_identifiers_fit_together",
	"calibration_data_does_not_fit_to_ecu_sw",
	"ecu_sw_does_not_fit_to_boot_sw",
	"coherence_identifier_in_calibration_data_is_erroneous",
	"coherence_identifier_in_ecu_sw_is_erroneous",
	"coherence_identifier_in_boot_sw_is_erroneous",
}

// ParseReprogrammingStatus decodes the routine's big-endian payload.
func ParseReprogrammingStatus(data []byte) ReprogrammingStatus {
	var word uint16
	if len(data) > 0 {
		word = uint16(data[0]) << 8
	}
	if len(data) > 1 {
		word |= uint16(data[1])
	}
	return ReprogrammingStatus(word)
}

func (s ReprogrammingStatus) String() string {
	var b strings.Builder
	b.WriteString("ReprogrammingStatus(\n")
	for bit, name := range reprogrammingStatusNames {
		value := 0
		if s&(1<<uint(bit)) != 0 {
			value = 1
		}
		fmt.Fprintf(&b, "  %s=%d\n", name, value)
	}
	b.WriteString(")")
	return b.String()
}
