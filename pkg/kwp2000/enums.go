package kwp2000

// Service identifiers (ISO 14230-3).
const (
	ServiceStartCommunication                  = 0x81
	ServiceStopCommunication                   = 0x82
	ServiceStartDiagnosticSession              = 0x10
	ServiceStopDiagnosticSession               = 0x20
	ServiceAccessTimingParameters              = 0x83
	ServiceSecurityAccess                      = 0x27
	ServiceReadEcuIdentification               = 0x1A
	ServiceReadMemoryByAddress                 = 0x23
	ServiceWriteMemoryByAddress                = 0x3D
	ServiceReadDataByLocalIdentifier           = 0x21
	ServiceWriteDataByLocalIdentifier          = 0x3B
	ServiceReadStatusOfDTC                     = 0x01
	ServiceRequestDownload                     = 0x34
	ServiceTransferData                        = 0x36
	ServiceRequestTransferExit                 = 0x37
	ServiceStartRoutineByLocalIdentifier       = 0x31
	ServiceInputOutputControlByLocalIdentifier = 0x30
	ServiceTesterPresent                       = 0x3E
	ServiceECUReset                            = 0x11

	// A negative response carries this service id, followed by the
	// requested service and a one-byte status.
	ServiceNegativeResponse = 0x7F
)

// DiagnosticSession selects the session kind for StartDiagnosticSession.
type DiagnosticSession byte

const (
	SessionDefault            DiagnosticSession = 0x81
	SessionFlashReprogramming DiagnosticSession = 0x85
)

// Negative response statuses the engine discriminates on.
const (
	StatusGeneralReject                  = 0x10
	StatusCantUploadFromSpecifiedAddress = 0x11
	StatusSubFunctionNotSupported        = 0x12
	StatusBusyRepeatRequest              = 0x21
	StatusRoutineNotComplete             = 0x23
	StatusRequestOutOfRange              = 0x31
	StatusSecurityAccessDenied           = 0x33
	StatusInvalidKey                     = 0x35
	StatusExceedNumberOfAttempts         = 0x36
	StatusResponsePending                = 0x78
)

// CompressionType and EncryptionType for RequestDownload. The SIMK4x
// bootloader accepts only the plain variants.
type CompressionType byte

const CompressionUncompressed CompressionType = 0x0

type EncryptionType byte

const EncryptionUnencrypted EncryptionType = 0x0

// ResetMode for ECUReset.
type ResetMode byte

const (
	ResetPowerOn           ResetMode = 0x01
	ResetNonVolatileMemory ResetMode = 0x82
)

// ResponseType for TesterPresent.
type ResponseType byte

const (
	ResponseRequired   ResponseType = 0x01
	ResponseSuppressed ResponseType = 0x02
)

// InputOutputControlParameter for InputOutputControlByLocalIdentifier.
type InputOutputControlParameter byte

const (
	IOReturnControlToECU  InputOutputControlParameter = 0x00
	IOReportCurrentState  InputOutputControlParameter = 0x01
	IOResetToDefault      InputOutputControlParameter = 0x04
	IOFreezeCurrentState  InputOutputControlParameter = 0x05
	IOShortTermAdjustment InputOutputControlParameter = 0x07
)

// TimingParameterMode subfunctions for AccessTimingParameters.
type TimingParameterMode byte

const (
	TimingReadLimits  TimingParameterMode = 0x00
	TimingSetDefault  TimingParameterMode = 0x01
	TimingReadCurrent TimingParameterMode = 0x02
	TimingSetGiven    TimingParameterMode = 0x03
)

// Baudrates maps the StartDiagnosticSession baud index to bits per second.
var Baudrates = map[byte]int{
	0x01: 10400,
	0x02: 20000,
	0x03: 40000,
	0x04: 60000,
	0x05: 120000,
}
