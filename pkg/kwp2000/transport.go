package kwp2000

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/pkg/hardware"
)

var transportLog = logrus.WithField("pkg", "kwp2000.transport")

type PacketDirection int

const (
	PacketOutgoing PacketDirection = iota
	PacketIncoming
)

// RawPacket is one wire-level exchange kept in the transport's diagnostic
// ring buffer, dumped when an operation dies unexpectedly.
type RawPacket struct {
	Direction PacketDirection
	Timestamp time.Time
	Data      []byte
}

// Transport carries KWP2000 messages over one of the link backends. The
// K-line flavor frames and checksums; the CAN flavor delegates segmentation
// to ISO-TP.
type Transport interface {
	Send(service byte, data []byte) error
	Receive() (service byte, data []byte, err error)
	// Wakeup performs the link's initialization sequence and transmits the
	// given command as the first request on the freshly woken bus.
	Wakeup(command Command) error

	Hardware() hardware.Hardware
	SetBufferSize(size int)
	BufferDump() []RawPacket
	Close() error
}

type packetBuffer struct {
	size    int
	packets []RawPacket
}

func (b *packetBuffer) record(direction PacketDirection, data []byte) {
	if b.size == 0 {
		return
	}
	b.packets = append(b.packets, RawPacket{
		Direction: direction,
		Timestamp: time.Now(),
		Data:      append([]byte(nil), data...),
	})
	if len(b.packets) > b.size {
		b.packets = b.packets[len(b.packets)-b.size:]
	}
}

// KLineTransport frames KWP2000 messages for the K-line, consuming the
// local echo every write produces before any response is read.
type KLineTransport struct {
	txID uint16
	rxID uint16

	hw     *hardware.KLineHardware
	buffer packetBuffer
}

func NewKLineTransport(hw *hardware.KLineHardware, txID, rxID uint16) *KLineTransport {
	return &KLineTransport{txID: txID, rxID: rxID, hw: hw, buffer: packetBuffer{size: 20}}
}

func (t *KLineTransport) Hardware() hardware.Hardware { return t.hw }

func (t *KLineTransport) SetBufferSize(size int) { t.buffer.size = size }

func (t *KLineTransport) BufferDump() []RawPacket { return t.buffer.packets }

func (t *KLineTransport) Close() error { return t.hw.Close() }

func (t *KLineTransport) Send(service byte, data []byte) error {
	frame := EncodeFrame(t.txID, service, data)
	t.buffer.record(PacketOutgoing, frame)
	if _, err := t.hw.Write(frame); err != nil {
		return err
	}
	return t.consumeEcho(frame)
}

// consumeEcho discards the local echo of frame. A mismatch is logged, not
// fatal: the adapter occasionally mangles the first byte after a baud
// change and the response that follows is still well-formed.
func (t *KLineTransport) consumeEcho(frame []byte) error {
	echo, err := t.hw.ReadExact(len(frame))
	if err != nil {
		return err
	}
	if !bytes.Equal(echo, frame) {
		transportLog.WithFields(logrus.Fields{"sent": frame, "echo": echo}).Debug("echo mismatch")
	}
	return nil
}

func (t *KLineTransport) Receive() (byte, []byte, error) {
	header, err := t.hw.ReadExact(3)
	if err != nil {
		return 0, nil, err
	}

	payloadLength := int(header[0] & 0x3F)
	if payloadLength == 0 {
		extra, err := t.hw.ReadExact(1)
		if err != nil {
			return 0, nil, err
		}
		header = append(header, extra...)
		payloadLength = int(extra[0])
	}

	rest, err := t.hw.ReadExact(payloadLength + 1)
	if err != nil {
		return 0, nil, err
	}

	raw := append(header, rest...)
	t.buffer.record(PacketIncoming, raw)

	_, service, data, err := DecodeFrame(raw)
	if err != nil {
		// framing is unrecoverable for this exchange, flush half-read input
		t.hw.DrainInput()
		return 0, nil, err
	}
	return service, data, nil
}

func (t *KLineTransport) Wakeup(command Command) error {
	frame := EncodeFrame(t.txID, command.Service, command.Data)
	t.buffer.record(PacketOutgoing, frame)
	if err := t.hw.FastInit(frame); err != nil {
		return err
	}
	return t.consumeEcho(frame)
}

// CanTransport carries KWP2000 messages as ISO-TP payloads. No framing, no
// echo: the first payload byte is the service id.
type CanTransport struct {
	hw     *hardware.CanHardware
	buffer packetBuffer
}

func NewCanTransport(hw *hardware.CanHardware) *CanTransport {
	return &CanTransport{hw: hw, buffer: packetBuffer{size: 20}}
}

func (t *CanTransport) Hardware() hardware.Hardware { return t.hw }

func (t *CanTransport) SetBufferSize(size int) { t.buffer.size = size }

func (t *CanTransport) BufferDump() []RawPacket { return t.buffer.packets }

func (t *CanTransport) Close() error { return t.hw.Close() }

func (t *CanTransport) Send(service byte, data []byte) error {
	message := append([]byte{service}, data...)
	t.buffer.record(PacketOutgoing, message)
	return t.hw.SendMessage(message)
}

func (t *CanTransport) Receive() (byte, []byte, error) {
	message, err := t.hw.RecvMessage()
	if err != nil {
		return 0, nil, err
	}
	t.buffer.record(PacketIncoming, message)
	if len(message) == 0 {
		return 0, nil, &FramingError{Reason: "empty isotp message"}
	}
	return message[0], message[1:], nil
}

func (t *CanTransport) Wakeup(command Command) error {
	return t.Send(command.Service, command.Data)
}
