package hardware

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Fast-init contract (ISO 14230-2). ECUs outside roughly +-5% of the low/high
// window do not answer, and the bus must have idled high beforehand.
const (
	fastInitIdle = 300 * time.Millisecond
	fastInitLow  = 25 * time.Millisecond
	fastInitHigh = 25 * time.Millisecond
)

var klineLog = logrus.WithField("pkg", "hardware.kline")

// KLineHardware drives a K-line adapter presented as a serial port.
// 8N1, no flow control, DTR/RTS held low.
type KLineHardware struct {
	device   string
	baudrate int
	timeout  time.Duration
	port     serial.Port
}

func NewKLineHardware(device string, baudrate int) *KLineHardware {
	return &KLineHardware{
		device:   device,
		baudrate: baudrate,
		timeout:  12 * time.Second,
	}
}

func (k *KLineHardware) Open() error {
	mode := &serial.Mode{
		BaudRate: k.baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(k.device, mode)
	if err != nil {
		return &OpeningPortError{Device: k.device, Err: err}
	}
	k.port = port
	if err := port.SetDTR(false); err != nil {
		return &IOError{Op: "set DTR", Err: err}
	}
	if err := port.SetRTS(false); err != nil {
		return &IOError{Op: "set RTS", Err: err}
	}
	if err := port.SetReadTimeout(k.timeout); err != nil {
		return &IOError{Op: "set read timeout", Err: err}
	}
	klineLog.WithFields(logrus.Fields{"device": k.device, "baudrate": k.baudrate}).Debug("k-line opened")
	return nil
}

func (k *KLineHardware) Close() error {
	if k.port == nil {
		return nil
	}
	err := k.port.Close()
	k.port = nil
	return err
}

func (k *KLineHardware) SetBaudrate(baudrate int) error {
	k.baudrate = baudrate
	if k.port == nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := k.port.SetMode(mode); err != nil {
		return &IOError{Op: "set baudrate", Err: err}
	}
	klineLog.WithField("baudrate", baudrate).Debug("baudrate changed")
	return nil
}

func (k *KLineHardware) SetTimeout(timeout time.Duration) {
	k.timeout = timeout
	if k.port != nil {
		k.port.SetReadTimeout(timeout)
	}
}

func (k *KLineHardware) Timeout() time.Duration { return k.timeout }

func (k *KLineHardware) Write(payload []byte) (int, error) {
	n, err := k.port.Write(payload)
	if err != nil {
		return n, &IOError{Op: "write", Err: err}
	}
	if err := k.port.Drain(); err != nil {
		return n, &IOError{Op: "drain", Err: err}
	}
	return n, nil
}

// ReadExact reads until n bytes arrived or the timeout deadline passed.
// The serial layer returns short reads, so accumulate under one deadline.
func (k *KLineHardware) ReadExact(n int) ([]byte, error) {
	buffer := make([]byte, 0, n)
	chunk := make([]byte, n)
	deadline := time.Now().Add(k.timeout)
	for len(buffer) < n {
		if time.Now().After(deadline) {
			return buffer, &TimeoutError{Op: "read", Want: n, Got: len(buffer)}
		}
		read, err := k.port.Read(chunk[:n-len(buffer)])
		if err != nil {
			return buffer, &IOError{Op: "read", Err: err}
		}
		if read == 0 {
			// serial read timeout tick, keep waiting until the deadline
			continue
		}
		buffer = append(buffer, chunk[:read]...)
	}
	return buffer, nil
}

func (k *KLineHardware) DrainInput() error {
	if err := k.port.ResetInputBuffer(); err != nil {
		return &IOError{Op: "drain input", Err: err}
	}
	return nil
}

// FastInit wakes the ECU: hold the line idle high, pull it low for 25 ms,
// release it for 25 ms, then transmit the StartCommunication payload.
func (k *KLineHardware) FastInit(payload []byte) error {
	klineLog.Debug("fast init")
	time.Sleep(fastInitIdle)
	if err := k.port.Break(fastInitLow); err != nil {
		return &IOError{Op: "fast init break", Err: err}
	}
	time.Sleep(fastInitHigh)
	if _, err := k.Write(payload); err != nil {
		return err
	}
	return nil
}

// SetDTR and SetRTS expose modem-control lines for the bootstrap loader,
// which wakes the CPU by pulsing the adapter instead of a fast-init.
func (k *KLineHardware) SetDTR(level bool) error {
	if err := k.port.SetDTR(level); err != nil {
		return &IOError{Op: "set DTR", Err: err}
	}
	return nil
}

func (k *KLineHardware) SetRTS(level bool) error {
	if err := k.port.SetRTS(level); err != nil {
		return &IOError{Op: "set RTS", Err: err}
	}
	return nil
}
