package kwp2000

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dante383/GKFlasher/pkg/hardware"
)

var protocolLog = logrus.WithField("pkg", "kwp2000")

const positiveResponseOffset = 0x40

// SessionState tracks where the link currently stands.
type SessionState int

const (
	StateClosed SessionState = iota
	StateCommunicationStarted
	StateDiagnosticSession
	StateSecurityGranted
)

// TimingParameters are the five KWP timing bytes, in the order the ECU
// reports them (P2min, P2max, P3min, P3max, P4min).
type TimingParameters [5]byte

// Session is the protocol engine's view of the active link.
type Session struct {
	State    SessionState
	Kind     DiagnosticSession
	Baudrate int
	Timing   TimingParameters
}

// Protocol is the KWP2000 session engine. It owns the transport
// exclusively: all exchanges, the keep-alive included, serialize through
// its mutex.
type Protocol struct {
	mu        sync.Mutex
	transport Transport

	session Session

	keepalive      *Command
	keepaliveDelay time.Duration
	keepaliveTimer *time.Timer
	closed         bool
}

func NewProtocol(transport Transport) *Protocol {
	return &Protocol{transport: transport}
}

func (p *Protocol) Transport() Transport { return p.transport }

func (p *Protocol) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SetTimeout adjusts the per-read timeout on the underlying link.
func (p *Protocol) SetTimeout(timeout time.Duration) {
	p.transport.Hardware().SetTimeout(timeout)
}

func (p *Protocol) Timeout() time.Duration {
	return p.transport.Hardware().Timeout()
}

// Init wakes the bus, expects the StartCommunication positive response and
// arms the keep-alive. keepaliveDelay of zero leaves keep-alive off.
func (p *Protocol) Init(wakeup Command, keepalive Command, keepaliveDelay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.transport.Wakeup(wakeup); err != nil {
		return err
	}
	if _, err := p.exchangeTail(wakeup); err != nil {
		return fmt.Errorf("start communication: %w", err)
	}
	p.session.State = StateCommunicationStarted

	if keepaliveDelay > 0 {
		p.keepalive = &keepalive
		p.keepaliveDelay = keepaliveDelay
		p.keepaliveTimer = time.AfterFunc(keepaliveDelay, p.keepaliveTick)
	}
	return nil
}

// Execute sends command and waits for its final response, transparently
// absorbing "response pending" frames. Negative responses surface as
// NegativeResponseError with the raw status preserved.
func (p *Protocol) Execute(command Command) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	defer p.rearmKeepalive()

	if err := p.transport.Send(command.Service, command.Data); err != nil {
		return nil, err
	}
	return p.exchangeTail(command)
}

// exchangeTail reads response frames for an already-sent command until one
// terminates the exchange. Caller holds the mutex.
func (p *Protocol) exchangeTail(command Command) (*Response, error) {
	for {
		service, data, err := p.transport.Receive()
		if err != nil {
			return nil, err
		}

		if service == ServiceNegativeResponse {
			if len(data) < 2 {
				return nil, &FramingError{Reason: "truncated negative response", Raw: data}
			}
			if data[1] == StatusResponsePending {
				// the ECU is still working; every pending frame restarts
				// the per-read clock, the outer operation timeout governs
				protocolLog.WithField("service", fmt.Sprintf("0x%02X", data[0])).Debug("response pending")
				continue
			}
			return nil, &NegativeResponseError{ServiceID: data[0], Status: data[1]}
		}

		if service != command.Service+positiveResponseOffset {
			return nil, &FramingError{Reason: fmt.Sprintf("unexpected response service 0x%02X to request 0x%02X", service, command.Service), Raw: data}
		}

		p.observe(command)
		return &Response{Service: service, Data: data}, nil
	}
}

// observe tracks session state transitions from completed commands.
func (p *Protocol) observe(command Command) {
	switch command.Service {
	case ServiceStartDiagnosticSession:
		p.session.State = StateDiagnosticSession
		if len(command.Data) > 0 {
			p.session.Kind = DiagnosticSession(command.Data[0])
		}
	case ServiceSecurityAccess:
		if len(command.Data) > 0 && command.Data[0]%2 == 0 {
			p.session.State = StateSecurityGranted
		}
	case ServiceStopDiagnosticSession:
		p.session.State = StateCommunicationStarted
	case ServiceStopCommunication:
		p.session.State = StateClosed
	}
}

// StartDiagnosticSessionBaudrate negotiates a session at the baud selected
// by index. When the ECU stays silent it may already be listening at the
// target baud from an earlier session, so the link is drained, reprogrammed
// unilaterally and the request retried once.
func (p *Protocol) StartDiagnosticSessionBaudrate(kind DiagnosticSession, index byte) error {
	baudrate, ok := Baudrates[index]
	if !ok {
		return fmt.Errorf("kwp2000: invalid baudrate index 0x%02X", index)
	}

	_, err := p.Execute(StartDiagnosticSession(kind, index))
	if err == nil {
		if err := p.transport.Hardware().SetBaudrate(baudrate); err != nil {
			return err
		}
		p.mu.Lock()
		p.session.Baudrate = baudrate
		p.mu.Unlock()
		return nil
	}
	if !hardware.IsTimeout(err) {
		return err
	}

	protocolLog.WithField("baudrate", baudrate).Info("no response, retrying at the desired baudrate")
	if err := p.transport.Hardware().DrainInput(); err != nil {
		return err
	}
	if err := p.transport.Hardware().SetBaudrate(baudrate); err != nil {
		return err
	}
	if _, err := p.Execute(StartDiagnosticSession(kind, index)); err != nil {
		return err
	}
	p.mu.Lock()
	p.session.Baudrate = baudrate
	p.mu.Unlock()
	return nil
}

func (p *Protocol) rearmKeepalive() {
	if p.keepaliveTimer != nil {
		p.keepaliveTimer.Reset(p.keepaliveDelay)
	}
}

// keepaliveTick fires after keepaliveDelay of idleness. It serializes
// through the engine mutex, so it can never interleave with an exchange
// already in flight.
func (p *Protocol) keepaliveTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.keepalive == nil {
		return
	}
	defer p.rearmKeepalive()

	if err := p.transport.Send(p.keepalive.Service, p.keepalive.Data); err != nil {
		protocolLog.WithError(err).Debug("keepalive send failed")
		return
	}
	if _, err := p.exchangeTail(*p.keepalive); err != nil {
		protocolLog.WithError(err).Debug("keepalive exchange failed")
	}
}

// Close stops the keep-alive, sends a best-effort StopCommunication and
// releases the link.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.keepaliveTimer != nil {
		p.keepaliveTimer.Stop()
	}

	if p.session.State != StateClosed {
		stop := StopCommunication()
		if err := p.transport.Send(stop.Service, stop.Data); err == nil {
			p.exchangeTail(stop)
		}
		p.session.State = StateClosed
	}
	p.mu.Unlock()

	return p.transport.Close()
}
