package protocol

import (
	"encoding/hex"
	"strings"

	"github.com/muurk/loxclient/internal/lxerr"
)

// UUIDSize is the binary length of a UUID
const UUIDSize = 16

// UUID is a 16-byte Miniserver identifier. Its textual form is mixed-endian:
// the first 4 bytes are printed as a byte-swapped 32-bit word, the next two
// pairs as byte-swapped 16-bit words and the last 8 bytes as-is:
//
//	xxxxxxxx-xxxx-xxxx-xxxxxxxxxxxxxxxx
type UUID [UUIDSize]byte

// UUIDFromBytes copies a UUID from the start of data
func UUIDFromBytes(data []byte) (UUID, error) {
	var u UUID
	if len(data) < UUIDSize {
		return u, lxerr.MalformedTable("uuid needs %d bytes, have %d", UUIDSize, len(data))
	}
	copy(u[:], data[:UUIDSize])
	return u, nil
}

// String returns the canonical textual form
func (u UUID) String() string {
	var swapped [UUIDSize]byte
	swapped[0], swapped[1], swapped[2], swapped[3] = u[3], u[2], u[1], u[0]
	swapped[4], swapped[5] = u[5], u[4]
	swapped[6], swapped[7] = u[7], u[6]
	copy(swapped[8:], u[8:])

	var sb strings.Builder
	sb.Grow(35)
	sb.WriteString(hex.EncodeToString(swapped[0:4]))
	sb.WriteByte('-')
	sb.WriteString(hex.EncodeToString(swapped[4:6]))
	sb.WriteByte('-')
	sb.WriteString(hex.EncodeToString(swapped[6:8]))
	sb.WriteByte('-')
	sb.WriteString(hex.EncodeToString(swapped[8:16]))
	return sb.String()
}

// IsZero reports whether all bytes are zero
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// ParseUUID parses the canonical textual form back into binary
func ParseUUID(s string) (UUID, error) {
	var u UUID
	parts := strings.Split(s, "-")
	if len(parts) != 4 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 || len(parts[3]) != 16 {
		return u, lxerr.Protocol("invalid uuid %q", s)
	}

	raw, err := hex.DecodeString(strings.Join(parts, ""))
	if err != nil {
		return u, lxerr.Protocol("invalid uuid %q: %v", s, err)
	}

	u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
	u[4], u[5] = raw[5], raw[4]
	u[6], u[7] = raw[7], raw[6]
	copy(u[8:], raw[8:])
	return u, nil
}

// MustParseUUID is like ParseUUID but panics on error. Intended for constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
