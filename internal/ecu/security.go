package ecu

import (
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

// CalculateKeyMultiplyXor derives the SecurityAccess key for the SIMK4x
// bootloader: 0x24 rounds of shift-and-fold of the 16-bit seed.
func CalculateKeyMultiplyXor(seed uint16) uint16 {
	key := uint16(0x9360)
	for i := 0; i < 0x24; i++ {
		key = (key << 1) ^ seed
	}
	return key
}

// CalculateKeyXorFold is the legacy derivation: every set bit of the seed
// xors a shifted 0xFFFF mask into the key.
func CalculateKeyXorFold(seed uint16) uint16 {
	var key uint32
	for i := uint(0); i < 16; i++ {
		if seed&(1<<i) != 0 {
			key ^= 0xFFFF << (i % 32)
		}
	}
	return uint16(key)
}

// CalculateKey applies the variant's bound algorithm.
func (e *ECU) CalculateKey(seed uint16) uint16 {
	if e.KeyAlgorithm == KeyXorFold {
		return CalculateKeyXorFold(seed)
	}
	return CalculateKeyMultiplyXor(seed)
}

// SecurityAccess runs the seed/key handshake at the given level. A zero
// seed means the ECU is already unlocked, commonly because a previous
// diagnostic session was still active.
func (e *ECU) SecurityAccess(level AccessLevel) error {
	return securityAccess(e.bus, byte(level), e.CalculateKey)
}

// EnableSecurityAccess runs the handshake before a variant is bound, using
// the family default derivation. Identification itself needs memory read
// access, which some bootloaders gate behind security.
func EnableSecurityAccess(bus *kwp2000.Protocol) error {
	return securityAccess(bus, byte(AccessLevelHyundai), CalculateKeyMultiplyXor)
}

func securityAccess(bus *kwp2000.Protocol, level byte, derive func(uint16) uint16) error {
	response, err := bus.Execute(kwp2000.SecurityAccessRequestSeed(level))
	if err != nil {
		return err
	}

	// response: [access level echo, seed hi, seed lo]
	seed := response.Data[1:]
	if len(seed) < 2 {
		return &kwp2000.FramingError{Reason: "security access seed too short", Raw: response.Data}
	}
	if seed[0] == 0 && seed[1] == 0 {
		log.Info("ECU returned seed=0, already unlocked or a previous session is still active")
		return nil
	}

	key := derive(uint16(seed[0])<<8 | uint16(seed[1]))
	_, err = bus.Execute(kwp2000.SecurityAccessSendKey(level, key))
	return err
}
