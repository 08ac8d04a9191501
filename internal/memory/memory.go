// Package memory implements the block read/write engine: paged reads with
// per-page partial-failure recovery, chunked uploads with the
// erase/verify/reset sequencing handled by the orchestrator, and the
// trailing-0xFF trim aligned to the transfer quantum.
package memory

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/internal/ecu"
	"github.com/Dante383/GKFlasher/internal/progress"
	"github.com/Dante383/GKFlasher/pkg/hardware"
	"github.com/Dante383/GKFlasher/pkg/kwp2000"
)

var log = logrus.WithField("pkg", "memory")

const (
	// PageSize partitions reads; each page recovers from failures on its
	// own.
	PageSize = 16384
	// TransferQuantum is the fixed KWP block size: reads request at most
	// this many bytes, uploads send this many per TransferData (the last
	// block may be shorter).
	TransferQuantum = 254
)

// ErrCanceled reports a cooperative cancellation. The session stays valid.
var ErrCanceled = progress.ErrCanceled

// ReadPage reads one 16 KiB page starting at the logical offset. Negative
// responses fill the affected slice with 0xFF and never abort the page;
// transport timeouts retry the same request.
func ReadPage(e *ecu.ECU, offset uint32, sink progress.Sink, cancel *progress.Flag) ([]byte, error) {
	addressStart := offset
	addressStop := offset + PageSize
	address := addressStart

	payload := make([]byte, addressStop-addressStart)
	for i := range payload {
		payload[i] = 0xFF
	}

	for address < addressStop {
		if cancel.Canceled() {
			return payload, ErrCanceled
		}

		atATime := TransferQuantum
		if e.SingleByteRestricted(address) {
			atATime = 1
		}
		if remaining := int(addressStop - address); remaining < atATime {
			atATime = remaining
		}

		fetched, err := e.ReadMemoryByAddress(address, atATime)
		if err != nil {
			if hardware.IsTimeout(err) {
				log.WithField("offset", fmt.Sprintf("0x%X", address)).Warn("timeout, trying again")
				continue
			}
			var negative *kwp2000.NegativeResponseError
			if errors.As(err, &negative) {
				log.WithFields(logrus.Fields{
					"offset": fmt.Sprintf("0x%X", address),
					"status": fmt.Sprintf("0x%02X", negative.Status),
				}).Warn("negative response, filling requested section with 0xFF")
				fetched = nil
			} else {
				return payload, err
			}
		}

		copy(payload[address-addressStart:], fetched)
		address += uint32(atATime)
		sink.Add(atATime)
	}
	return payload, nil
}

// ReadMemory reads the logical range [addressStart, addressStop) into a
// contiguous buffer of exactly addressStop-addressStart bytes. Gaps left
// by address-specific negative responses stay 0xFF.
func ReadMemory(e *ecu.ECU, addressStart, addressStop uint32, sink progress.Sink, cancel *progress.Flag) ([]byte, error) {
	requestedSize := addressStop - addressStart
	pages := (requestedSize + PageSize - 1) / PageSize
	buffer := make([]byte, requestedSize)
	for i := range buffer {
		buffer[i] = 0xFF
	}

	address := addressStart
	for page := uint32(0); address < addressStop; page++ {
		sink.Title(fmt.Sprintf("Page %d/%d, offset 0x%X", page+1, pages, address))

		fetched, err := ReadPage(e, address, sink, cancel)
		if err != nil {
			copy(buffer[address-addressStart:], fetched)
			return buffer, err
		}

		copy(buffer[address-addressStart:], fetched)
		address += PageSize
	}
	return buffer, nil
}

// WriteMemory uploads payload to the flash address announced through
// RequestDownload, in TransferQuantum blocks, and closes the transfer.
// Timeouts on a block retry that block.
func WriteMemory(e *ecu.ECU, payload []byte, flashStart uint32, flashSize int, sink progress.Sink, cancel *progress.Flag) error {
	_, err := e.Bus().Execute(kwp2000.RequestDownload(
		flashStart, flashSize, kwp2000.CompressionUncompressed, kwp2000.EncryptionUnencrypted,
	))
	if err != nil {
		return err
	}

	blocksToWrite := (flashSize + TransferQuantum - 1) / TransferQuantum
	for block := 0; block < blocksToWrite; block++ {
		if cancel.Canceled() {
			return ErrCanceled
		}
		sink.Title(fmt.Sprintf("Block %d/%d", block, blocksToWrite))

		start := block * TransferQuantum
		stop := start + TransferQuantum
		if stop > len(payload) {
			stop = len(payload)
		}

		for {
			_, err := e.Bus().Execute(kwp2000.TransferData(payload[start:stop]))
			if err == nil {
				break
			}
			if hardware.IsTimeout(err) {
				log.WithField("block", block).Warn("timeout, trying again")
				continue
			}
			return err
		}
		sink.Add(stop - start)
	}

	_, err = e.Bus().Execute(kwp2000.RequestTransferExit())
	return err
}

// DynamicFindEnd returns the payload length worth writing: everything up
// to the last non-0xFF byte, rounded up to the transfer quantum. An
// all-0xFF payload trims to zero and the write is skipped entirely.
func DynamicFindEnd(payload []byte) int {
	end := len(payload) - 1
	for end >= 0 && payload[end] == 0xFF {
		end--
	}
	if end < 0 {
		return 0
	}
	return roundToMultiple(end+1, TransferQuantum)
}

// roundToMultiple rounds up to the nearest multiple. KWP blocks are 254
// bytes and the FTDI buffer 512; keeping writes quantum-aligned prevents
// an overflow when flashing odd-sized binaries.
func roundToMultiple(number, multiple int) int {
	return multiple * ((number + multiple - 1) / multiple)
}
