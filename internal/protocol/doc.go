// Package protocol implements the Loxone Miniserver WebSocket wire format.
//
// The Miniserver mixes text frames (JSON command responses, file contents)
// with binary frames. Every binary payload is announced by an 8-byte header:
//
//	byte 0     cBinType, always 0x03
//	byte 1     cIdentifier, the MessageType of the following payload
//	byte 2     cInfo, bit 7 set when the length is an estimate
//	byte 3     reserved
//	bytes 4-7  payload length, uint32 little-endian
//
// # Framing
//
// A reader alternates between two phases. In PhaseHeader it expects a
// header; Header.Next tells it what comes after. Estimated headers are
// always followed by the authoritative header, and keepalive and
// out-of-service headers carry no payload.
//
//	exp := protocol.ExpectHeader
//	h, err := protocol.ParseHeader(frame)
//	if err != nil {
//	    return err
//	}
//	exp = h.Next()
//
// # Event Tables
//
// Value, text, day timer and weather tables are sequences of fixed or
// self-describing records. DecodeEventTable returns them as the closed
// Event set:
//
//	events, err := protocol.DecodeEventTable(protocol.TypeValueTable, payload)
//	for _, ev := range events {
//	    if v, ok := ev.(*protocol.ValueEvent); ok {
//	        fmt.Println(v.UUID, v.Value)
//	    }
//	}
//
// UUIDs are 16 bytes on the wire and printed in Loxone's mixed-endian
// form, see UUID.String.
package protocol
