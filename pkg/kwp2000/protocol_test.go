package kwp2000

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dante383/GKFlasher/pkg/hardware"
)

// scriptedTransport answers every sent command from a handler function and
// records the requests it saw.
type scriptedTransport struct {
	handler  func(service byte, data []byte) []response
	requests []Command
	pending  []response
	closed   bool
}

type response struct {
	service byte
	data    []byte
}

func positive(service byte, data ...byte) response {
	return response{service: service + positiveResponseOffset, data: data}
}

func negative(service byte, status byte) response {
	return response{service: ServiceNegativeResponse, data: []byte{service, status}}
}

func (s *scriptedTransport) Send(service byte, data []byte) error {
	s.requests = append(s.requests, Command{Service: service, Data: append([]byte(nil), data...)})
	s.pending = append(s.pending, s.handler(service, data)...)
	return nil
}

func (s *scriptedTransport) Receive() (byte, []byte, error) {
	if len(s.pending) == 0 {
		return 0, nil, &hardware.TimeoutError{Op: "read"}
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next.service, next.data, nil
}

func (s *scriptedTransport) Wakeup(command Command) error {
	return s.Send(command.Service, command.Data)
}

func (s *scriptedTransport) Hardware() hardware.Hardware {
	return hardware.NewKLineHardware("test", 10400)
}

func (s *scriptedTransport) SetBufferSize(int) {}

func (s *scriptedTransport) BufferDump() []RawPacket { return nil }

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

func TestExecutePositive(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{positive(service, 0x01, 0x02)}
	}}
	protocol := NewProtocol(transport)

	resp, err := protocol.Execute(TesterPresent(ResponseRequired))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, resp.Data)
}

func TestExecuteResponsePending(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{
			negative(service, StatusResponsePending),
			negative(service, StatusResponsePending),
			positive(service, 0x42),
		}
	}}
	protocol := NewProtocol(transport)

	resp, err := protocol.Execute(StartRoutineByLocalIdentifier(0x02))
	require.NoError(t, err, "response pending must not terminate the exchange")
	assert.Equal(t, []byte{0x42}, resp.Data)
}

func TestExecuteNegativeResponse(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{negative(service, StatusSecurityAccessDenied)}
	}}
	protocol := NewProtocol(transport)

	_, err := protocol.Execute(RequestTransferExit())
	var negativeErr *NegativeResponseError
	require.ErrorAs(t, err, &negativeErr)
	assert.Equal(t, byte(StatusSecurityAccessDenied), negativeErr.Status)
	assert.Equal(t, byte(ServiceRequestTransferExit), negativeErr.ServiceID)
}

func TestExecuteUnexpectedService(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{{service: 0x7E, data: nil}}
	}}
	protocol := NewProtocol(transport)

	_, err := protocol.Execute(ECUReset(ResetPowerOn))
	var framing *FramingError
	assert.ErrorAs(t, err, &framing)
}

func TestIsNegative(t *testing.T) {
	err := &NegativeResponseError{ServiceID: 0x23, Status: StatusCantUploadFromSpecifiedAddress}
	assert.True(t, IsNegative(err, StatusCantUploadFromSpecifiedAddress))
	assert.False(t, IsNegative(err, StatusGeneralReject))
	assert.False(t, IsNegative(nil, StatusGeneralReject))
}

func TestSessionStateTracking(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{positive(service, 0x00, 0x00)}
	}}
	protocol := NewProtocol(transport)

	_, err := protocol.Execute(StartDiagnosticSession(SessionFlashReprogramming, 0))
	require.NoError(t, err)
	session := protocol.Session()
	assert.Equal(t, StateDiagnosticSession, session.State)
	assert.Equal(t, SessionFlashReprogramming, session.Kind)

	_, err = protocol.Execute(SecurityAccessSendKey(0x01, 0xF1EC))
	require.NoError(t, err)
	assert.Equal(t, StateSecurityGranted, protocol.Session().State)
}

func TestKeepaliveFiresWhenIdle(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{positive(service, 0x00)}
	}}
	protocol := NewProtocol(transport)

	err := protocol.Init(StartCommunication(), TesterPresent(ResponseRequired), 30*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	protocol.Close()

	var testerPresents int
	for _, request := range transport.requests {
		if request.Service == ServiceTesterPresent {
			testerPresents++
		}
	}
	assert.Greater(t, testerPresents, 0, "keepalive must fire while the session is idle")
}

func TestCloseSendsStopCommunication(t *testing.T) {
	transport := &scriptedTransport{handler: func(service byte, data []byte) []response {
		return []response{positive(service)}
	}}
	protocol := NewProtocol(transport)

	require.NoError(t, protocol.Init(StartCommunication(), TesterPresent(ResponseRequired), 0))
	require.NoError(t, protocol.Close())

	last := transport.requests[len(transport.requests)-1]
	assert.Equal(t, byte(ServiceStopCommunication), last.Service)
	assert.True(t, transport.closed)

	_, err := protocol.Execute(TesterPresent(ResponseRequired))
	assert.ErrorIs(t, err, ErrClosed)
}
