package kwp2000

import (
	"errors"
	"fmt"
)

// statusDescriptions gives operator-readable names for the statuses the
// SIMK4x family is known to produce.
var statusDescriptions = map[byte]string{
	StatusGeneralReject:                  "general reject",
	StatusCantUploadFromSpecifiedAddress: "can't upload from specified address",
	StatusSubFunctionNotSupported:        "subfunction not supported or invalid format",
	StatusBusyRepeatRequest:              "busy, repeat request",
	StatusRoutineNotComplete:             "routine not complete",
	StatusRequestOutOfRange:              "request out of range",
	StatusSecurityAccessDenied:           "security access denied",
	StatusInvalidKey:                     "invalid key",
	StatusExceedNumberOfAttempts:         "exceeded number of attempts",
	StatusResponsePending:                "request received, response pending",
}

// NegativeResponseError carries the raw negative status so callers can
// discriminate on the numeric value. Response-pending (0x78) never surfaces
// as this error; the engine keeps listening instead.
type NegativeResponseError struct {
	ServiceID byte
	Status    byte
}

func (e *NegativeResponseError) Error() string {
	description, ok := statusDescriptions[e.Status]
	if !ok {
		description = "unknown status"
	}
	return fmt.Sprintf("kwp2000: negative response to service 0x%02X: %s (0x%02X)", e.ServiceID, description, e.Status)
}

// FramingError reports a checksum or length mismatch on a received frame.
// Fatal; the engine drains the link before the next exchange.
type FramingError struct {
	Reason string
	Raw    []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("kwp2000: framing: %s (% X)", e.Reason, e.Raw)
}

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// protocol instance.
	ErrClosed = errors.New("kwp2000: protocol closed")
)

// IsNegative reports whether err is a negative response with the given
// status.
func IsNegative(err error, status byte) bool {
	var negative *NegativeResponseError
	if !errors.As(err, &negative) {
		return false
	}
	return negative.Status == status
}
