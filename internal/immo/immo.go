// Package immo drives the immobilizer routines of the SIMK4x family: key
// teaching, limp home, immobilizer reset and SMARTRA neutralization. All
// flows run in a default diagnostic session and follow the same shape: a
// "before" routine reporting state, a pin/password entry, a confirmation.
package immo

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/ecu"
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

var log = logrus.WithField("pkg", "immo")

// Status is the state byte the immobilizer reports for the ECU, the key
// and the SMARTRA unit.
type Status byte

const (
	StatusNotLearnt         Status = 0
	StatusLearnt            Status = 1
	StatusVirgin            Status = 2
	StatusNeutral           Status = 3
	StatusLockedByWrongData Status = 4
	StatusVirginNoTeaching  Status = 5
	StatusInvalidKey        Status = 6
)

var statusNames = map[Status]string{
	StatusNotLearnt:         "Not learnt",
	StatusLearnt:            "Learnt",
	StatusVirgin:            "Virgin",
	StatusNeutral:           "Neutral",
	StatusLockedByWrongData: "Teaching not accepted (locked by wrong data)",
	StatusVirginNoTeaching:  "Virgin status - no teaching",
	StatusInvalidKey:        "Invalid key",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", byte(s))
}

// ErrLockedByWrongData: the immobilizer refuses teaching after wrong
// input; it stays locked for about an hour.
var ErrLockedByWrongData = errors.New("immo: locked by wrong data, wait before retrying")

// ErrImmoDisabled: the ECU refused the query routine, which on this family
// means no immobilizer is configured.
var ErrImmoDisabled = errors.New("immo: immobilizer disabled or not present")

// Info is the answer to the query routine.
type Info struct {
	KeysLearnt    byte
	ECUStatus     Status
	KeyStatus     Status
	SmartraStatus *Status
}

func startDefaultSession(bus *kwp2000.Protocol, baudIndex byte) error {
	_, err := bus.Execute(kwp2000.StartDiagnosticSession(kwp2000.SessionDefault, baudIndex))
	return err
}

// checkLocked maps the "before" routine's state byte to ErrLockedByWrongData.
func checkLocked(data []byte) error {
	if len(data) > 1 && Status(data[1]) == StatusLockedByWrongData {
		return ErrLockedByWrongData
	}
	return nil
}

func pinBytes(pin uint32) []byte {
	return []byte{byte(pin >> 16), byte(pin >> 8), byte(pin)}
}

// inputPin sends the six-digit immobilizer pin, padded with 0xFF the way
// the factory tool does.
func inputPin(bus *kwp2000.Protocol, pin uint32) error {
	arguments := append(pinBytes(pin), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	_, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineImmoInputPassword, arguments...))
	return err
}

// Query reads the immobilizer state.
func Query(bus *kwp2000.Protocol, baudIndex byte) (*Info, error) {
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return nil, err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineQueryImmoInfo))
	if err != nil {
		var negative *kwp2000.NegativeResponseError
		if errors.As(err, &negative) {
			return nil, ErrImmoDisabled
		}
		return nil, err
	}

	data := response.Data
	if len(data) < 4 {
		return nil, &kwp2000.FramingError{Reason: "immo info too short", Raw: data}
	}
	info := &Info{
		KeysLearnt: data[1],
		ECUStatus:  Status(data[2]),
		KeyStatus:  Status(data[3]),
	}
	if len(data) > 4 {
		status := Status(data[4])
		info.SmartraStatus = &status
	}
	return info, nil
}

// LimpHome activates limp home mode with the four-digit password.
func LimpHome(bus *kwp2000.Protocol, baudIndex byte, password uint16) error {
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineBeforeLimpHome))
	if err != nil {
		return fmt.Errorf("immo: limp home unavailable, immobilizer inactive or no pin set: %w", err)
	}
	if err := checkLocked(response.Data); err != nil {
		return err
	}

	response, err = bus.Execute(kwp2000.StartRoutineByLocalIdentifier(
		ecu.RoutineActivateLimpHome, byte(password>>8), byte(password)))
	if err != nil {
		return fmt.Errorf("immo: invalid password: %w", err)
	}
	if len(response.Data) > 1 && response.Data[1] == 1 {
		log.Info("limp home activated")
	}
	return nil
}

// Reset virginizes the immobilizer with the six-digit pin. The ECU needs
// ignition off for ten seconds afterwards.
func Reset(bus *kwp2000.Protocol, baudIndex byte, pin uint32) error {
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineBeforeImmoReset))
	if err != nil {
		return fmt.Errorf("immo: disabled or already virginized: %w", err)
	}
	if err := checkLocked(response.Data); err != nil {
		return err
	}

	if err := inputPin(bus, pin); err != nil {
		return err
	}
	_, err = bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineImmoResetConfirm, 0x01))
	return err
}

// TeachKeys teaches count keys (1-4) with the six-digit pin.
func TeachKeys(bus *kwp2000.Protocol, baudIndex byte, pin uint32, count int) error {
	if count < 1 || count > 4 {
		return fmt.Errorf("immo: can teach 1 to 4 keys, not %d", count)
	}
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineBeforeImmoKeyTeach))
	if err != nil {
		return err
	}
	if err := checkLocked(response.Data); err != nil {
		return err
	}

	if err := inputPin(bus, pin); err != nil {
		return err
	}

	for key := 0; key < count; key++ {
		routine := ecu.RoutineImmoTeachKey1 + byte(key)
		if _, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(routine, 0x01)); err != nil {
			return fmt.Errorf("immo: teaching key %d: %w", key+1, err)
		}
		log.WithField("key", key+1).Info("key taught")
	}
	return nil
}

// SmartraNeutralize neutralizes the SMARTRA unit with the six-digit pin.
func SmartraNeutralize(bus *kwp2000.Protocol, baudIndex byte, pin uint32) error {
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineBeforeSmartraNeutral))
	if err != nil {
		return err
	}
	if err := checkLocked(response.Data); err != nil {
		return err
	}

	if err := inputPin(bus, pin); err != nil {
		return err
	}
	_, err = bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineSmartraNeutralize, 0x01))
	return err
}

// TeachLimpHomePassword sets a new limp home password, unlocking with the
// current one first when the ECU reports a learnt state.
func TeachLimpHomePassword(bus *kwp2000.Protocol, baudIndex byte, current, next uint16) error {
	if err := startDefaultSession(bus, baudIndex); err != nil {
		return err
	}
	response, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineBeforeLimpHomeTeach))
	if err != nil {
		return err
	}
	if len(response.Data) > 1 && Status(response.Data[1]) == StatusLearnt {
		_, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(
			ecu.RoutineActivateLimpHome, byte(current>>8), byte(current)))
		if err != nil {
			return fmt.Errorf("immo: invalid current password: %w", err)
		}
	}

	if _, err := bus.Execute(kwp2000.StartRoutineByLocalIdentifier(
		ecu.RoutineLimpHomeNewPassword, byte(next>>8), byte(next))); err != nil {
		return err
	}
	_, err = bus.Execute(kwp2000.StartRoutineByLocalIdentifier(ecu.RoutineLimpHomeConfirm, 0x01))
	return err
}
