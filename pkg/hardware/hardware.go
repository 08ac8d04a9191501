// Package hardware provides byte-level access to the physical links a
// SIMK4x ECU can be reached over: a K-line adapter on a serial port, or a
// SocketCAN interface. Both backends expose the same capability set; the
// KWP2000 transport layer sits on top and never touches the wire directly.
package hardware

import "time"

// Hardware is the capability set shared by all link backends.
type Hardware interface {
	Open() error
	Close() error

	SetBaudrate(baudrate int) error
	SetTimeout(timeout time.Duration)
	Timeout() time.Duration

	Write(payload []byte) (int, error)
	// ReadExact blocks until exactly n bytes arrived or the configured
	// timeout elapsed. A timeout is recoverable: bytes received so far are
	// returned alongside the TimeoutError and stay consumed.
	ReadExact(n int) ([]byte, error)
	DrainInput() error

	// FastInit performs the ISO-14230 fast initialization waveform and
	// transmits the wakeup payload. Backends without a wakeup sequence
	// implement this as a no-op that sends nothing.
	FastInit(payload []byte) error
}
