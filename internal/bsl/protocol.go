// Package bsl talks to the C167 factory bootstrap loader over a raw
// serial link: a two-stage loader upload with mandatory byte echo, then a
// small kernel ABI used to peek/poke memory and call an uploaded flash
// driver. This is the last-resort recovery path when the KWP bootloader is
// gone.
package bsl

import (
	"bytes"
	"fmt"
)

// Indications the loader and kernel send on their own.
const (
	IndLoaderStarted       = 0x01
	IndApplicationLoaded   = 0x02
	IndApplicationStarted  = 0x03
	IndAutobaudAcknowledge = 0x04
)

// Acknowledge bytes of the kernel ABI: Ack1 confirms a command opcode,
// Ack2 terminates a data phase.
const (
	Ack1 = 0xAA
	Ack2 = 0xEA
)

// Kernel command opcodes. One byte each, echoed back as received.
const (
	CmdWriteWord    = 0x82
	CmdWriteBlock   = 0x84
	CmdReadBlock    = 0x85
	CmdEinit        = 0x31
	CmdSoftReset    = 0x32
	CmdGo           = 0x41
	CmdGetChecksum  = 0x33
	CmdTestComm     = 0x93
	CmdCallFunction = 0x9F
	CmdReadWord     = 0xCD
)

// CPU variant tags returned in response to the hello byte.
const (
	VariantC167Old    = 0xA5
	VariantC167CR     = 0xC5
	VariantC167WithID = 0xD5
)

// EchoMismatchError: the loader mirrors every byte; a different byte back
// means the link or the loader state is broken.
type EchoMismatchError struct {
	Sent     byte
	Received byte
	Position int
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("bsl: echo mismatch at %d: sent 0x%02X, received 0x%02X", e.Position, e.Sent, e.Received)
}

// AckMissingError: a command or data phase was not acknowledged.
type AckMissingError struct {
	Context  string
	Expected byte
	Received []byte
}

func (e *AckMissingError) Error() string {
	if len(e.Received) == 0 {
		return fmt.Sprintf("bsl: %s: no acknowledgment, expected 0x%02X", e.Context, e.Expected)
	}
	return fmt.Sprintf("bsl: %s: expected 0x%02X, got % X", e.Context, e.Expected, e.Received)
}

// ChecksumMismatchError: a block transfer's XOR checksum disagreed.
type ChecksumMismatchError struct {
	Address    uint32
	Got        byte
	Calculated byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("bsl: block at 0x%X: checksum 0x%02X, calculated 0x%02X", e.Address, e.Got, e.Calculated)
}

// DriverCallError: the flash driver returned a nonzero status word.
type DriverCallError struct {
	Function uint16
	Status   uint16
}

func (e *DriverCallError) Error() string {
	return fmt.Sprintf("bsl: driver function 0x%02X failed with status 0x%04X", e.Function, e.Status)
}

func addressLittleEndian(address uint32) []byte {
	return []byte{byte(address), byte(address >> 8), byte(address >> 16)}
}

func wordLittleEndian(word uint16) []byte {
	return []byte{byte(word), byte(word >> 8)}
}

// sendWithEcho writes data and consumes the mandatory byte-for-byte echo.
func (l *Loader) sendWithEcho(data []byte) error {
	if _, err := l.hw.Write(data); err != nil {
		return err
	}
	echo, err := l.hw.ReadExact(len(data))
	if err != nil {
		return err
	}
	if !bytes.Equal(echo, data) {
		for i := range data {
			if echo[i] != data[i] {
				return &EchoMismatchError{Sent: data[i], Received: echo[i], Position: i}
			}
		}
	}
	return nil
}

// sendCommand sends one opcode and waits for the first acknowledge.
func (l *Loader) sendCommand(opcode byte) error {
	if err := l.sendWithEcho([]byte{opcode}); err != nil {
		return err
	}
	ack, err := l.hw.ReadExact(1)
	if err != nil {
		return &AckMissingError{Context: fmt.Sprintf("command 0x%02X", opcode), Expected: Ack1, Received: ack}
	}
	if ack[0] != Ack1 {
		return &AckMissingError{Context: fmt.Sprintf("command 0x%02X", opcode), Expected: Ack1, Received: ack}
	}
	return nil
}

// sendData sends a command's data phase and waits for the second
// acknowledge.
func (l *Loader) sendData(data []byte) error {
	if err := l.sendWithEcho(data); err != nil {
		return err
	}
	ack, err := l.hw.ReadExact(1)
	if err != nil || len(ack) != 1 || ack[0] != Ack2 {
		return &AckMissingError{Context: "data phase", Expected: Ack2, Received: ack}
	}
	return nil
}

// getWord sends a data phase and reads back one little-endian word
// followed by the second acknowledge.
func (l *Loader) getWord(data []byte) (uint16, error) {
	if err := l.sendWithEcho(data); err != nil {
		return 0, err
	}
	response, err := l.hw.ReadExact(3)
	if err != nil {
		return 0, &AckMissingError{Context: "word read", Expected: Ack2, Received: response}
	}
	if response[2] != Ack2 {
		return 0, &AckMissingError{Context: "word read", Expected: Ack2, Received: response}
	}
	return uint16(response[0]) | uint16(response[1])<<8, nil
}

// blockChecksum fetches the kernel's XOR checksum of the previous block.
func (l *Loader) blockChecksum() (byte, error) {
	if err := l.sendWithEcho([]byte{CmdGetChecksum}); err != nil {
		return 0, err
	}
	response, err := l.hw.ReadExact(3)
	if err != nil {
		return 0, &AckMissingError{Context: "get checksum", Expected: Ack2, Received: response}
	}
	if response[2] != Ack2 {
		return 0, &AckMissingError{Context: "get checksum", Expected: Ack2, Received: response}
	}
	return response[1], nil
}

func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// SetWordAtAddress writes one word and reads it back to verify.
func (l *Loader) SetWordAtAddress(address uint32, word uint16) error {
	if err := l.sendCommand(CmdWriteWord); err != nil {
		return err
	}
	if err := l.sendData(append(addressLittleEndian(address), wordLittleEndian(word)...)); err != nil {
		return err
	}
	if err := l.sendCommand(CmdReadWord); err != nil {
		return err
	}
	read, err := l.getWord(addressLittleEndian(address))
	if err != nil {
		return fmt.Errorf("bsl: set word at 0x%X: %w", address, err)
	}
	if read != word {
		return fmt.Errorf("bsl: register at 0x%X not set: wrote 0x%04X, read back 0x%04X", address, word, read)
	}
	log.WithField("address", fmt.Sprintf("0x%X", address)).Debug("control register set")
	return nil
}

// SetBlockAtAddress uploads a memory block and verifies its XOR checksum.
func (l *Loader) SetBlockAtAddress(address uint32, data []byte) error {
	if err := l.sendCommand(CmdWriteBlock); err != nil {
		return err
	}
	payload := append(addressLittleEndian(address), wordLittleEndian(uint16(len(data)))...)
	if err := l.sendData(append(payload, data...)); err != nil {
		return err
	}
	got, err := l.blockChecksum()
	if err != nil {
		return err
	}
	if calculated := xorChecksum(data); calculated != got {
		return &ChecksumMismatchError{Address: address, Got: got, Calculated: calculated}
	}
	return nil
}

// GetBlockAtAddress reads a memory block and verifies its XOR checksum.
func (l *Loader) GetBlockAtAddress(address uint32, size int) ([]byte, error) {
	if err := l.sendCommand(CmdReadBlock); err != nil {
		return nil, err
	}
	if err := l.sendWithEcho(append(addressLittleEndian(address), wordLittleEndian(uint16(size))...)); err != nil {
		return nil, err
	}
	response, err := l.hw.ReadExact(size + 1)
	if err != nil {
		return nil, &AckMissingError{Context: "block read", Expected: Ack2, Received: response}
	}
	if response[size] != Ack2 {
		return nil, &AckMissingError{Context: "block read", Expected: Ack2, Received: response[size:]}
	}
	data := response[:size]

	got, err := l.blockChecksum()
	if err != nil {
		return nil, err
	}
	if calculated := xorChecksum(data); calculated != got {
		return nil, &ChecksumMismatchError{Address: address, Got: got, Calculated: calculated}
	}
	return data, nil
}

// CallAtAddress loads R8-R15 with the given words, transfers control to
// address and returns the eight register words after the call.
func (l *Loader) CallAtAddress(address uint32, registers [8]uint16) ([8]uint16, error) {
	var out [8]uint16
	if err := l.sendCommand(CmdCallFunction); err != nil {
		return out, err
	}
	payload := addressLittleEndian(address)
	for _, register := range registers {
		payload = append(payload, wordLittleEndian(register)...)
	}
	if err := l.sendWithEcho(payload); err != nil {
		return out, err
	}
	response, err := l.hw.ReadExact(17)
	if err != nil {
		return out, &AckMissingError{Context: "call function", Expected: Ack2, Received: response}
	}
	if response[16] != Ack2 {
		return out, &AckMissingError{Context: "call function", Expected: Ack2, Received: response[16:]}
	}
	for i := 0; i < 8; i++ {
		out[i] = uint16(response[2*i]) | uint16(response[2*i+1])<<8
	}
	return out, nil
}

// TestComm verifies the kernel answers the test opcode with both
// acknowledge bytes.
func (l *Loader) TestComm() error {
	log.Info("testing BSL communication")
	if err := l.sendWithEcho([]byte{CmdTestComm}); err != nil {
		return err
	}
	response, err := l.hw.ReadExact(2)
	if err != nil {
		return &AckMissingError{Context: "test comm", Expected: Ack1, Received: response}
	}
	if response[0] != Ack1 || response[1] != Ack2 {
		return &AckMissingError{Context: "test comm", Expected: Ack1, Received: response}
	}
	log.WithField("ack", fmt.Sprintf("0x%02X 0x%02X", response[0], response[1])).Info("kernel acknowledged")
	return nil
}
