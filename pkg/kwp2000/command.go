package kwp2000

// Command is a single KWP2000 request: a service identifier and its
// parameter bytes. Constructors below cover every service the SIMK4x
// family speaks; raw commands can be built directly for undocumented
// services.
type Command struct {
	Service byte
	Data    []byte
}

// Response is the positive response to a Command. Service carries the
// response service id (request + 0x40); Data the bytes after it.
type Response struct {
	Service byte
	Data    []byte
}

func RawCommand(service byte, data ...byte) Command {
	return Command{Service: service, Data: data}
}

func StartCommunication() Command {
	return Command{Service: ServiceStartCommunication}
}

func StopCommunication() Command {
	return Command{Service: ServiceStopCommunication}
}

// StartDiagnosticSession opens a session of the given kind. baudIndex
// selects a link baud for the new session; zero keeps the current baud.
func StartDiagnosticSession(kind DiagnosticSession, baudIndex byte) Command {
	if baudIndex == 0 {
		return Command{Service: ServiceStartDiagnosticSession, Data: []byte{byte(kind)}}
	}
	return Command{Service: ServiceStartDiagnosticSession, Data: []byte{byte(kind), baudIndex}}
}

func StopDiagnosticSession() Command {
	return Command{Service: ServiceStopDiagnosticSession}
}

func AccessTimingParameters(mode TimingParameterMode, values ...byte) Command {
	return Command{Service: ServiceAccessTimingParameters, Data: append([]byte{byte(mode)}, values...)}
}

// SecurityAccessRequestSeed asks for the two seed bytes at the given access
// level. Levels are odd; the matching key is sent at level+1.
func SecurityAccessRequestSeed(level byte) Command {
	return Command{Service: ServiceSecurityAccess, Data: []byte{level}}
}

func SecurityAccessSendKey(level byte, key uint16) Command {
	return Command{Service: ServiceSecurityAccess, Data: []byte{level + 1, byte(key >> 8), byte(key)}}
}

func ReadEcuIdentification(parameter byte) Command {
	return Command{Service: ServiceReadEcuIdentification, Data: []byte{parameter}}
}

func ReadMemoryByAddress(offset uint32, size byte) Command {
	return Command{
		Service: ServiceReadMemoryByAddress,
		Data:    []byte{byte(offset >> 16), byte(offset >> 8), byte(offset), size},
	}
}

func WriteMemoryByAddress(offset uint32, data []byte) Command {
	payload := []byte{byte(offset >> 16), byte(offset >> 8), byte(offset), byte(len(data))}
	return Command{Service: ServiceWriteMemoryByAddress, Data: append(payload, data...)}
}

func ReadDataByLocalIdentifier(identifier byte) Command {
	return Command{Service: ServiceReadDataByLocalIdentifier, Data: []byte{identifier}}
}

func WriteDataByLocalIdentifier(identifier byte, data []byte) Command {
	return Command{Service: ServiceWriteDataByLocalIdentifier, Data: append([]byte{identifier}, data...)}
}

func ReadStatusOfDTC(dtc byte) Command {
	return Command{Service: ServiceReadStatusOfDTC, Data: []byte{dtc}}
}

// RequestDownload announces an upload of size bytes to offset. The format
// byte packs compression in the high nibble and encryption in the low one;
// the SIMK4x bootloader accepts only the plain variants.
func RequestDownload(offset uint32, size int, compression CompressionType, encryption EncryptionType) Command {
	return Command{
		Service: ServiceRequestDownload,
		Data: []byte{
			byte(offset >> 16), byte(offset >> 8), byte(offset),
			byte(compression)<<4 | byte(encryption),
			byte(size >> 16), byte(size >> 8), byte(size),
		},
	}
}

func TransferData(block []byte) Command {
	return Command{Service: ServiceTransferData, Data: block}
}

func RequestTransferExit() Command {
	return Command{Service: ServiceRequestTransferExit}
}

func StartRoutineByLocalIdentifier(routine byte, arguments ...byte) Command {
	return Command{Service: ServiceStartRoutineByLocalIdentifier, Data: append([]byte{routine}, arguments...)}
}

func InputOutputControlByLocalIdentifier(identifier byte, parameter InputOutputControlParameter) Command {
	return Command{Service: ServiceInputOutputControlByLocalIdentifier, Data: []byte{identifier, byte(parameter)}}
}

func TesterPresent(response ResponseType) Command {
	return Command{Service: ServiceTesterPresent, Data: []byte{byte(response)}}
}

func ECUReset(mode ResetMode) Command {
	return Command{Service: ServiceECUReset, Data: []byte{byte(mode)}}
}
