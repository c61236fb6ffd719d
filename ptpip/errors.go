package ptpip

import (
	"errors"
	"fmt"

	"framefast.app/ptpkit/ptp"
)

var (
	// ErrTimeout is returned when a framed read or write missed its deadline.
	ErrTimeout = errors.New("ptpip: i/o timeout")
	// ErrPeerClosed is returned when the camera dropped the TCP connection.
	ErrPeerClosed = errors.New("ptpip: peer closed connection")
	// ErrCancelled is returned when the connection was closed locally while
	// an operation was still in flight.
	ErrCancelled = errors.New("ptpip: cancelled")
	// ErrGateTimeout is returned when Sony's object-in-memory property never
	// reached the ready threshold within the poll budget.
	ErrGateTimeout = errors.New("ptpip: object-in-memory gate timeout")
)

// ProtocolError is a framing or sequencing violation. These are always fatal
// to the session: once the byte stream is off the rails there is no way to
// resynchronize the two channels.
type ProtocolError struct {
	What string
}

func (e *ProtocolError) Error() string {
	return "ptpip: protocol error: " + e.What
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{What: fmt.Sprintf(format, args...)}
}

// CommandError reports a response code other than OK. The numeric code is
// kept for protocol debugging; Error() renders the standard meaning.
type CommandError struct {
	Op   ptp.OperationCode
	Code ptp.ResponseCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ptpip: operation %#04x failed: %s", uint16(e.Op), e.Code)
}

// HandshakeError reports which of the five connect stages failed and why.
type HandshakeError struct {
	Stage  int
	Reason error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ptpip: handshake stage %d: %v", e.Stage, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Reason }

// InitFailReason is the reason field of an InitFail packet.
type InitFailReason uint32

const (
	FailRejectedInitiator InitFailReason = 0x00000001
	FailBusy              InitFailReason = 0x00000002
	FailUnspecified       InitFailReason = 0x00000003
)

func (r InitFailReason) String() string {
	switch r {
	case FailRejectedInitiator:
		return "initiator rejected by device"
	case FailBusy:
		return "device busy: too many active connections"
	case FailUnspecified:
		return "unspecified failure"
	default:
		return fmt.Sprintf("failure reason %#08x", uint32(r))
	}
}
