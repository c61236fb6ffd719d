// Package ptpip implements the PTP/IP wire protocol: the length-prefixed
// little-endian frame codec, the two framed TCP channels, the serialized
// command engine and the five-stage connection handshake.
package ptpip

import (
	"encoding/binary"

	"github.com/google/uuid"

	"framefast.app/ptpkit/ptp"
)

// PacketType tags a PTP/IP frame. The values are fixed by the protocol.
type PacketType uint32

const (
	TypeInitCommandRequest PacketType = 0x00000001
	TypeInitCommandAck     PacketType = 0x00000002
	TypeInitEventRequest   PacketType = 0x00000003
	TypeInitEventAck       PacketType = 0x00000004
	TypeInitFail           PacketType = 0x00000005
	TypeOperationRequest   PacketType = 0x00000006
	TypeOperationResponse  PacketType = 0x00000007
	TypeEvent              PacketType = 0x00000008
	TypeStartData          PacketType = 0x00000009
	TypeData               PacketType = 0x0000000A
	TypeCancel             PacketType = 0x0000000B
	TypeEndData            PacketType = 0x0000000C
	TypeProbeRequest       PacketType = 0x0000000D
	TypeProbeResponse      PacketType = 0x0000000E
)

// headerSize is the fixed frame header: u32 length (counting itself) + type.
const headerSize = 8

// DataPhase values carried in OperationRequest frames.
const (
	DataPhaseNoneOrIn uint32 = 0x00000001
	DataPhaseOut      uint32 = 0x00000002
)

// UnknownDataLength in a StartData frame means the sender does not know the
// total size of the data phase up front.
const UnknownDataLength uint64 = 0xFFFFFFFFFFFFFFFF

// Packet is one typed PTP/IP frame. Decode returns the concrete struct for
// the frame type; unknown types are a ProtocolError, not an UnknownPacket,
// because every type the cameras send is enumerated here.
type Packet interface {
	Type() PacketType
	payload() []byte
}

// InitCommandRequest opens the command channel and identifies the initiator.
type InitCommandRequest struct {
	GUID            uuid.UUID
	Name            string
	ProtocolVersion uint32
}

func (p *InitCommandRequest) Type() PacketType { return TypeInitCommandRequest }

func (p *InitCommandRequest) payload() []byte {
	b := make([]byte, 0, 16+2*len(p.Name)+2+4)
	b = append(b, p.GUID[:]...)
	b = append(b, ptp.EncodeString(p.Name)...)
	b = binary.LittleEndian.AppendUint32(b, p.ProtocolVersion)
	return b
}

// InitCommandAck carries the connection number that ties the two channels
// together, plus the responder's identity.
type InitCommandAck struct {
	ConnectionNumber uint32
	GUID             uuid.UUID
	Name             string
	ProtocolVersion  uint32
}

func (p *InitCommandAck) Type() PacketType { return TypeInitCommandAck }

func (p *InitCommandAck) payload() []byte {
	b := make([]byte, 0, 4+16+2*len(p.Name)+2+4)
	b = binary.LittleEndian.AppendUint32(b, p.ConnectionNumber)
	b = append(b, p.GUID[:]...)
	b = append(b, ptp.EncodeString(p.Name)...)
	b = binary.LittleEndian.AppendUint32(b, p.ProtocolVersion)
	return b
}

// InitEventRequest opens the event channel for an established connection.
type InitEventRequest struct {
	ConnectionNumber uint32
}

func (p *InitEventRequest) Type() PacketType { return TypeInitEventRequest }

func (p *InitEventRequest) payload() []byte {
	return binary.LittleEndian.AppendUint32(nil, p.ConnectionNumber)
}

// InitEventAck completes the connection establishment.
type InitEventAck struct{}

func (p *InitEventAck) Type() PacketType { return TypeInitEventAck }
func (p *InitEventAck) payload() []byte  { return nil }

// InitFail rejects either init request. The camera closes the connection
// right after sending it.
type InitFail struct {
	Reason InitFailReason
}

func (p *InitFail) Type() PacketType { return TypeInitFail }

func (p *InitFail) payload() []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(p.Reason))
}

// OperationRequest is one command on the command channel.
type OperationRequest struct {
	DataPhase     uint32
	Op            ptp.OperationCode
	TransactionID uint32
	Params        []uint32
}

func (p *OperationRequest) Type() PacketType { return TypeOperationRequest }

func (p *OperationRequest) payload() []byte {
	b := make([]byte, 0, 4+2+4+4*len(p.Params))
	b = binary.LittleEndian.AppendUint32(b, p.DataPhase)
	b = binary.LittleEndian.AppendUint16(b, uint16(p.Op))
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	for _, v := range p.Params {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// OperationResponse closes a command transaction.
type OperationResponse struct {
	Code          ptp.ResponseCode
	TransactionID uint32
	Params        []uint32
}

func (p *OperationResponse) Type() PacketType { return TypeOperationResponse }

func (p *OperationResponse) payload() []byte {
	b := make([]byte, 0, 2+4+4*len(p.Params))
	b = binary.LittleEndian.AppendUint16(b, uint16(p.Code))
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	for _, v := range p.Params {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// Event is an asynchronous notification on the event channel.
type Event struct {
	Code          ptp.EventCode
	TransactionID uint32
	Params        []uint32
}

func (p *Event) Type() PacketType { return TypeEvent }

func (p *Event) payload() []byte {
	b := make([]byte, 0, 2+4+4*len(p.Params))
	b = binary.LittleEndian.AppendUint16(b, uint16(p.Code))
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	for _, v := range p.Params {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}

// StartData announces a data phase and its total length.
type StartData struct {
	TransactionID uint32
	TotalLength   uint64
}

func (p *StartData) Type() PacketType { return TypeStartData }

func (p *StartData) payload() []byte {
	b := make([]byte, 0, 12)
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	b = binary.LittleEndian.AppendUint64(b, p.TotalLength)
	return b
}

// Data carries one chunk of a data phase.
type Data struct {
	TransactionID uint32
	Payload       []byte
}

func (p *Data) Type() PacketType { return TypeData }

func (p *Data) payload() []byte {
	b := make([]byte, 0, 4+len(p.Payload))
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	return append(b, p.Payload...)
}

// EndData terminates a data phase; it may carry the final chunk.
type EndData struct {
	TransactionID uint32
	Payload       []byte
}

func (p *EndData) Type() PacketType { return TypeEndData }

func (p *EndData) payload() []byte {
	b := make([]byte, 0, 4+len(p.Payload))
	b = binary.LittleEndian.AppendUint32(b, p.TransactionID)
	return append(b, p.Payload...)
}

// Cancel aborts a transaction in flight.
type Cancel struct {
	TransactionID uint32
}

func (p *Cancel) Type() PacketType { return TypeCancel }

func (p *Cancel) payload() []byte {
	return binary.LittleEndian.AppendUint32(nil, p.TransactionID)
}

// ProbeRequest is a keepalive check; the peer must answer immediately.
type ProbeRequest struct{}

func (p *ProbeRequest) Type() PacketType { return TypeProbeRequest }
func (p *ProbeRequest) payload() []byte  { return nil }

// ProbeResponse answers a ProbeRequest on the event channel.
type ProbeResponse struct{}

func (p *ProbeResponse) Type() PacketType { return TypeProbeResponse }
func (p *ProbeResponse) payload() []byte  { return nil }

// Encode frames p: u32 total length (header included), u32 type, payload.
func Encode(p Packet) []byte {
	body := p.payload()
	b := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(b[0:], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.Type()))
	copy(b[headerSize:], body)
	return b
}

// Decode parses exactly one frame. The length field must match len(b).
func Decode(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return nil, protocolErrorf("short frame: %d bytes", len(b))
	}
	length := binary.LittleEndian.Uint32(b[0:])
	if length < headerSize {
		return nil, protocolErrorf("frame length %d below header minimum", length)
	}
	if int(length) != len(b) {
		return nil, protocolErrorf("frame length %d does not match %d buffered bytes", length, len(b))
	}
	return decodeBody(PacketType(binary.LittleEndian.Uint32(b[4:])), b[headerSize:])
}

func decodeBody(t PacketType, body []byte) (Packet, error) {
	switch t {
	case TypeInitCommandRequest:
		if len(body) < 16+2+4 {
			return nil, protocolErrorf("init command request: %d payload bytes", len(body))
		}
		var p InitCommandRequest
		copy(p.GUID[:], body[:16])
		name, n, err := ptp.DecodeString(body[16:])
		if err != nil {
			return nil, protocolErrorf("init command request: bad string: %v", err)
		}
		if len(body) < 16+n+4 {
			return nil, protocolErrorf("init command request: missing protocol version")
		}
		p.Name = name
		p.ProtocolVersion = binary.LittleEndian.Uint32(body[16+n:])
		return &p, nil
	case TypeInitCommandAck:
		if len(body) < 4+16+2+4 {
			return nil, protocolErrorf("init command ack: %d payload bytes", len(body))
		}
		var p InitCommandAck
		p.ConnectionNumber = binary.LittleEndian.Uint32(body)
		copy(p.GUID[:], body[4:20])
		name, n, err := ptp.DecodeString(body[20:])
		if err != nil {
			return nil, protocolErrorf("init command ack: bad string: %v", err)
		}
		if len(body) < 20+n+4 {
			return nil, protocolErrorf("init command ack: missing protocol version")
		}
		p.Name = name
		p.ProtocolVersion = binary.LittleEndian.Uint32(body[20+n:])
		return &p, nil
	case TypeInitEventRequest:
		if len(body) < 4 {
			return nil, protocolErrorf("init event request: %d payload bytes", len(body))
		}
		return &InitEventRequest{ConnectionNumber: binary.LittleEndian.Uint32(body)}, nil
	case TypeInitEventAck:
		return &InitEventAck{}, nil
	case TypeInitFail:
		if len(body) < 4 {
			return nil, protocolErrorf("init fail: %d payload bytes", len(body))
		}
		return &InitFail{Reason: InitFailReason(binary.LittleEndian.Uint32(body))}, nil
	case TypeOperationRequest:
		if len(body) < 10 || (len(body)-10)%4 != 0 {
			return nil, protocolErrorf("operation request: %d payload bytes", len(body))
		}
		p := &OperationRequest{
			DataPhase:     binary.LittleEndian.Uint32(body),
			Op:            ptp.OperationCode(binary.LittleEndian.Uint16(body[4:])),
			TransactionID: binary.LittleEndian.Uint32(body[6:]),
		}
		p.Params = decodeParams(body[10:])
		return p, nil
	case TypeOperationResponse:
		if len(body) < 6 || (len(body)-6)%4 != 0 {
			return nil, protocolErrorf("operation response: %d payload bytes", len(body))
		}
		p := &OperationResponse{
			Code:          ptp.ResponseCode(binary.LittleEndian.Uint16(body)),
			TransactionID: binary.LittleEndian.Uint32(body[2:]),
		}
		p.Params = decodeParams(body[6:])
		return p, nil
	case TypeEvent:
		if len(body) < 6 || (len(body)-6)%4 != 0 {
			return nil, protocolErrorf("event: %d payload bytes", len(body))
		}
		p := &Event{
			Code:          ptp.EventCode(binary.LittleEndian.Uint16(body)),
			TransactionID: binary.LittleEndian.Uint32(body[2:]),
		}
		p.Params = decodeParams(body[6:])
		return p, nil
	case TypeStartData:
		if len(body) < 12 {
			return nil, protocolErrorf("start data: %d payload bytes", len(body))
		}
		return &StartData{
			TransactionID: binary.LittleEndian.Uint32(body),
			TotalLength:   binary.LittleEndian.Uint64(body[4:]),
		}, nil
	case TypeData:
		if len(body) < 4 {
			return nil, protocolErrorf("data: %d payload bytes", len(body))
		}
		return &Data{
			TransactionID: binary.LittleEndian.Uint32(body),
			Payload:       append([]byte(nil), body[4:]...),
		}, nil
	case TypeEndData:
		if len(body) < 4 {
			return nil, protocolErrorf("end data: %d payload bytes", len(body))
		}
		return &EndData{
			TransactionID: binary.LittleEndian.Uint32(body),
			Payload:       append([]byte(nil), body[4:]...),
		}, nil
	case TypeCancel:
		if len(body) < 4 {
			return nil, protocolErrorf("cancel: %d payload bytes", len(body))
		}
		return &Cancel{TransactionID: binary.LittleEndian.Uint32(body)}, nil
	case TypeProbeRequest:
		return &ProbeRequest{}, nil
	case TypeProbeResponse:
		return &ProbeResponse{}, nil
	default:
		return nil, protocolErrorf("unknown packet type %#08x", uint32(t))
	}
}

func decodeParams(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(b)/4)
	for off := 0; off+4 <= len(b); off += 4 {
		out = append(out, binary.LittleEndian.Uint32(b[off:]))
	}
	return out
}
