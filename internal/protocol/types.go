package protocol

import "fmt"

// MessageType is the identifier byte of a binary header. It declares what
// kind of payload follows the header.
type MessageType byte

// Message types (cIdentifier of the binary header)
const (
	TypeText          MessageType = 0
	TypeBinaryFile    MessageType = 1
	TypeValueTable    MessageType = 2
	TypeTextTable     MessageType = 3
	TypeDayTimerTable MessageType = 4
	TypeOutOfService  MessageType = 5
	TypeKeepalive     MessageType = 6
	TypeWeatherTable  MessageType = 7
)

// Valid reports whether t is a recognized message type
func (t MessageType) Valid() bool {
	return t <= TypeWeatherTable
}

// IsEventTable reports whether t declares an event table payload
func (t MessageType) IsEventTable() bool {
	switch t {
	case TypeValueTable, TypeTextTable, TypeDayTimerTable, TypeWeatherTable:
		return true
	}
	return false
}

// String returns a human-readable name for the message type
func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "Text"
	case TypeBinaryFile:
		return "BinaryFile"
	case TypeValueTable:
		return "ValueTable"
	case TypeTextTable:
		return "TextTable"
	case TypeDayTimerTable:
		return "DayTimerTable"
	case TypeOutOfService:
		return "OutOfService"
	case TypeKeepalive:
		return "Keepalive"
	case TypeWeatherTable:
		return "WeatherTable"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

// Message is anything the connection can hand to a waiting command: a
// header (keepalive), a text response or a file.
type Message interface {
	Type() MessageType
	String() string
}
