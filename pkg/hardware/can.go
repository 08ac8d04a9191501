package hardware

import (
	"time"

	"github.com/brutella/can"
	"github.com/sirupsen/logrus"
)

var canLog = logrus.WithField("pkg", "hardware.can")

// CanHardware drives a SocketCAN interface with ISO-TP (ISO 15765-2)
// segmentation, standard identifiers and 8-byte padded frames. KWP2000
// messages travel as ISO-TP payloads; the framing layer above never sees
// single CAN frames.
type CanHardware struct {
	iface   string
	txID    uint32
	rxID    uint32
	timeout time.Duration

	bus    *can.Bus
	frames chan can.Frame
	rest   []byte
}

func NewCanHardware(iface string, txID, rxID uint32) *CanHardware {
	return &CanHardware{
		iface:   iface,
		txID:    txID,
		rxID:    rxID,
		timeout: 12 * time.Second,
		frames:  make(chan can.Frame, 64),
	}
}

func (c *CanHardware) Open() error {
	bus, err := can.NewBusForInterfaceWithName(c.iface)
	if err != nil {
		return &OpeningPortError{Device: c.iface, Err: err}
	}
	c.bus = bus
	bus.Subscribe(c)
	go bus.ConnectAndPublish()
	canLog.WithFields(logrus.Fields{"iface": c.iface, "tx": c.txID, "rx": c.rxID}).Debug("can bus opened")
	return nil
}

// Handle receives every frame on the bus; only the ECU's response id is kept.
func (c *CanHardware) Handle(frame can.Frame) {
	if frame.ID != c.rxID {
		return
	}
	select {
	case c.frames <- frame:
	default:
		canLog.Warn("rx frame queue full, dropping frame")
	}
}

func (c *CanHardware) Close() error {
	if c.bus == nil {
		return nil
	}
	err := c.bus.Disconnect()
	c.bus = nil
	return err
}

// SetBaudrate is a no-op on SocketCAN: the bitrate is a property of the
// network interface, configured outside the process.
func (c *CanHardware) SetBaudrate(int) error { return nil }

func (c *CanHardware) SetTimeout(timeout time.Duration) { c.timeout = timeout }

func (c *CanHardware) Timeout() time.Duration { return c.timeout }

// FastInit is a no-op: CAN ECUs need no wakeup waveform.
func (c *CanHardware) FastInit([]byte) error { return nil }

func (c *CanHardware) DrainInput() error {
	c.rest = nil
	for {
		select {
		case <-c.frames:
		default:
			return nil
		}
	}
}

// Write transmits one ISO-TP message.
func (c *CanHardware) Write(payload []byte) (int, error) {
	if err := c.SendMessage(payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ReadExact consumes bytes from reassembled ISO-TP messages.
func (c *CanHardware) ReadExact(n int) ([]byte, error) {
	for len(c.rest) < n {
		message, err := c.RecvMessage()
		if err != nil {
			got := c.rest
			c.rest = nil
			if timeout, ok := err.(*TimeoutError); ok {
				timeout.Want, timeout.Got = n, len(got)
				return got, timeout
			}
			return got, err
		}
		c.rest = append(c.rest, message...)
	}
	out := c.rest[:n]
	c.rest = c.rest[n:]
	return out, nil
}

func (c *CanHardware) readFrame(deadline time.Time) (can.Frame, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return can.Frame{}, &TimeoutError{Op: "can read"}
	}
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-time.After(wait):
		return can.Frame{}, &TimeoutError{Op: "can read"}
	}
}

func (c *CanHardware) publish(data [8]uint8) error {
	frame := can.Frame{ID: c.txID, Length: 8, Data: data}
	if err := c.bus.Publish(frame); err != nil {
		return &IOError{Op: "can publish", Err: err}
	}
	return nil
}

// SendMessage segments payload per ISO-TP: a single frame when it fits in
// 7 bytes, otherwise first frame, flow control, consecutive frames.
func (c *CanHardware) SendMessage(payload []byte) error {
	deadline := time.Now().Add(c.timeout)

	if len(payload) <= 7 {
		var data [8]uint8
		data[0] = uint8(len(payload))
		copy(data[1:], payload)
		return c.publish(data)
	}

	if len(payload) > 0xFFF {
		return &IOError{Op: "can send", Err: errMessageTooLong}
	}

	var first [8]uint8
	first[0] = 0x10 | uint8(len(payload)>>8)
	first[1] = uint8(len(payload))
	copy(first[2:], payload[:6])
	if err := c.publish(first); err != nil {
		return err
	}
	sent := 6

	flow, err := c.readFrame(deadline)
	if err != nil {
		return err
	}
	if flow.Data[0]&0xF0 != 0x30 {
		return &IOError{Op: "can send", Err: errBadFlowControl}
	}
	blockSize := int(flow.Data[1])
	separation := decodeSeparationTime(flow.Data[2])

	sequence := uint8(1)
	inBlock := 0
	for sent < len(payload) {
		var frame [8]uint8
		frame[0] = 0x20 | (sequence & 0x0F)
		copy(frame[1:], payload[sent:])
		if err := c.publish(frame); err != nil {
			return err
		}
		sent += min(7, len(payload)-sent)
		sequence++
		inBlock++
		if blockSize > 0 && inBlock == blockSize && sent < len(payload) {
			flow, err = c.readFrame(deadline)
			if err != nil {
				return err
			}
			if flow.Data[0]&0xF0 != 0x30 {
				return &IOError{Op: "can send", Err: errBadFlowControl}
			}
			inBlock = 0
		}
		if separation > 0 {
			time.Sleep(separation)
		}
	}
	return nil
}

// RecvMessage reassembles one ISO-TP message, answering first frames with
// a no-wait flow control.
func (c *CanHardware) RecvMessage() ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	frame, err := c.readFrame(deadline)
	if err != nil {
		return nil, err
	}

	switch frame.Data[0] & 0xF0 {
	case 0x00: // single frame
		length := int(frame.Data[0] & 0x0F)
		return append([]byte(nil), frame.Data[1:1+length]...), nil
	case 0x10: // first frame
		length := int(frame.Data[0]&0x0F)<<8 | int(frame.Data[1])
		message := make([]byte, 0, length)
		message = append(message, frame.Data[2:]...)
		if err := c.publish([8]uint8{0x30, 0x00, 0x00}); err != nil {
			return nil, err
		}
		sequence := uint8(1)
		for len(message) < length {
			consecutive, err := c.readFrame(deadline)
			if err != nil {
				return nil, err
			}
			if consecutive.Data[0]&0xF0 != 0x20 {
				return nil, &IOError{Op: "can receive", Err: errBadConsecutive}
			}
			if consecutive.Data[0]&0x0F != sequence&0x0F {
				return nil, &IOError{Op: "can receive", Err: errBadSequence}
			}
			message = append(message, consecutive.Data[1:]...)
			sequence++
		}
		return message[:length], nil
	default:
		return nil, &IOError{Op: "can receive", Err: errBadPCI}
	}
}

func decodeSeparationTime(st uint8) time.Duration {
	if st <= 0x7F {
		return time.Duration(st) * time.Millisecond
	}
	if st >= 0xF1 && st <= 0xF9 {
		return time.Duration(st-0xF0) * 100 * time.Microsecond
	}
	return 0
}
