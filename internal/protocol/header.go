package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/muurk/loxclient/internal/lxerr"
)

// Binary header constants
const (
	HeaderSize = 8    // cBinType + cIdentifier + cInfo + cReserved + 4-byte length
	BinType    = 0x03 // fixed value of cBinType

	infoEstimated = 0x80
)

// Header is the 8-byte binary envelope that precedes every payload:
//
//	[binType:u8][identifier:u8][info:u8][reserved:u8][length:u32 LE]
type Header struct {
	BinType    byte
	Identifier MessageType
	Info       byte
	Reserved   byte
	Length     uint32
}

// ParseHeader decodes a binary header from the start of data
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, lxerr.Protocol("header too short: %d bytes (minimum %d)", len(data), HeaderSize)
	}

	h := Header{
		BinType:    data[0],
		Identifier: MessageType(data[1]),
		Info:       data[2],
		Reserved:   data[3],
		Length:     binary.LittleEndian.Uint32(data[4:8]),
	}

	if !h.Identifier.Valid() {
		return Header{}, lxerr.Protocol("unknown header identifier: %d", data[1])
	}

	return h, nil
}

// MarshalBinary encodes the header into its 8-byte wire form
func (h Header) MarshalBinary() ([]byte, error) {
	if !h.Identifier.Valid() {
		return nil, lxerr.Protocol("unknown header identifier: %d", byte(h.Identifier))
	}
	buf := make([]byte, HeaderSize)
	buf[0] = h.BinType
	buf[1] = byte(h.Identifier)
	buf[2] = h.Info
	buf[3] = h.Reserved
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf, nil
}

// NewHeader builds a non-estimated header for a payload of the given type
func NewHeader(t MessageType, length uint32) Header {
	return Header{BinType: BinType, Identifier: t, Length: length}
}

// Estimated reports whether the length is only an estimate. An estimated
// header is always followed by the authoritative header.
func (h Header) Estimated() bool {
	return h.Info&infoEstimated != 0
}

// Type implements Message
func (h Header) Type() MessageType {
	return h.Identifier
}

// String returns a debug representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{type=%s, estimated=%v, length=%d}", h.Identifier, h.Estimated(), h.Length)
}

// Phase is the state of the framing state machine
type Phase int

const (
	// PhaseHeader expects an 8-byte binary header
	PhaseHeader Phase = iota
	// PhasePayload expects the payload declared by the previous header
	PhasePayload
)

// Expectation describes the next frame the reader should receive
type Expectation struct {
	Phase Phase
	Type  MessageType // payload type; meaningful only in PhasePayload
}

// ExpectHeader is the initial state and the state after every payload
var ExpectHeader = Expectation{Phase: PhaseHeader}

// Next computes what follows this header. Estimated headers, keepalives and
// out-of-service notices are followed by another header; everything else by
// a payload of the declared type.
func (h Header) Next() Expectation {
	if h.Estimated() {
		return ExpectHeader
	}
	switch h.Identifier {
	case TypeOutOfService, TypeKeepalive:
		return ExpectHeader
	default:
		return Expectation{Phase: PhasePayload, Type: h.Identifier}
	}
}

// String returns a debug representation
func (e Expectation) String() string {
	if e.Phase == PhaseHeader {
		return "header"
	}
	return "payload(" + e.Type.String() + ")"
}
