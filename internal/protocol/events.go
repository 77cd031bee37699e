package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/muurk/loxclient/internal/lxerr"
)

// Record sizes of the fixed parts of each event layout
const (
	valueEventSize    = UUIDSize + 8     // uuid + f64
	textEventHeadSize = UUIDSize*2 + 4   // uuid + icon uuid + u32 text length
	dayTimerHeadSize  = UUIDSize + 8 + 4 // uuid + default f64 + i32 count
	dayTimerEntrySize = 4*4 + 8          // mode, from, to, needActivate + value
	weatherHeadSize   = UUIDSize + 4 + 4 // uuid + u32 lastUpdate + i32 count
	weatherEntrySize  = 4*5 + 8*6        // 5 ints + 6 doubles
)

// Event is a single state update decoded from an event table. The set of
// implementations is closed: *ValueEvent, *TextEvent, *DayTimerEvent and
// *WeatherEvent.
type Event interface {
	// Kind is the table the event arrives in
	Kind() MessageType
	// ID is the state uuid the event updates
	ID() UUID
	// EncodedLen is the number of bytes the record occupies in its table
	EncodedLen() int
	// AppendTo appends the wire form of the record to b
	AppendTo(b []byte) []byte

	isEvent()
}

// ValueEvent carries a numeric state value
type ValueEvent struct {
	UUID  UUID
	Value float64
}

func (*ValueEvent) Kind() MessageType { return TypeValueTable }
func (e *ValueEvent) ID() UUID        { return e.UUID }
func (*ValueEvent) EncodedLen() int   { return valueEventSize }
func (*ValueEvent) isEvent()          {}

func (e *ValueEvent) AppendTo(b []byte) []byte {
	b = append(b, e.UUID[:]...)
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(e.Value))
}

func (e *ValueEvent) String() string {
	return fmt.Sprintf("%s = %g", e.UUID, e.Value)
}

// TextEvent carries a textual state value and an icon reference
type TextEvent struct {
	UUID UUID
	Icon UUID
	Text string
}

func (*TextEvent) Kind() MessageType { return TypeTextTable }
func (e *TextEvent) ID() UUID        { return e.UUID }
func (*TextEvent) isEvent()          {}

// EncodedLen rounds the record up to the next multiple of 4 bytes
func (e *TextEvent) EncodedLen() int {
	return paddedTextLen(len(e.Text))
}

func (e *TextEvent) AppendTo(b []byte) []byte {
	b = append(b, e.UUID[:]...)
	b = append(b, e.Icon[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Text)))
	b = append(b, e.Text...)
	for pad := e.EncodedLen() - textEventHeadSize - len(e.Text); pad > 0; pad-- {
		b = append(b, 0)
	}
	return b
}

func (e *TextEvent) String() string {
	return fmt.Sprintf("%s = %q", e.UUID, e.Text)
}

func paddedTextLen(textLen int) int {
	return ((textEventHeadSize+textLen-1)/4 + 1) * 4
}

// DayTimerEntry is one switching period of a day timer
type DayTimerEntry struct {
	Mode         int32
	From         int32
	To           int32
	NeedActivate int32
	Value        float64
}

// DayTimerEvent carries the full schedule of a day timer
type DayTimerEvent struct {
	UUID    UUID
	Default float64
	Entries []DayTimerEntry
}

func (*DayTimerEvent) Kind() MessageType { return TypeDayTimerTable }
func (e *DayTimerEvent) ID() UUID        { return e.UUID }
func (*DayTimerEvent) isEvent()          {}

func (e *DayTimerEvent) EncodedLen() int {
	return dayTimerHeadSize + len(e.Entries)*dayTimerEntrySize
}

func (e *DayTimerEvent) AppendTo(b []byte) []byte {
	b = append(b, e.UUID[:]...)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(e.Default))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Entries)))
	for _, en := range e.Entries {
		b = binary.LittleEndian.AppendUint32(b, uint32(en.Mode))
		b = binary.LittleEndian.AppendUint32(b, uint32(en.From))
		b = binary.LittleEndian.AppendUint32(b, uint32(en.To))
		b = binary.LittleEndian.AppendUint32(b, uint32(en.NeedActivate))
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(en.Value))
	}
	return b
}

// WeatherEntry is one forecast slot
type WeatherEntry struct {
	Timestamp            int32
	WeatherType          int32
	WindDirection        int32
	SolarRadiation       int32
	RelativeHumidity     int32
	Temperature          float64
	PerceivedTemperature float64
	DewPoint             float64
	Precipitation        float64
	WindSpeed            float64
	BarometricPressure   float64
}

// WeatherEvent carries a weather forecast
type WeatherEvent struct {
	UUID       UUID
	LastUpdate uint32
	Entries    []WeatherEntry
}

func (*WeatherEvent) Kind() MessageType { return TypeWeatherTable }
func (e *WeatherEvent) ID() UUID        { return e.UUID }
func (*WeatherEvent) isEvent()          {}

func (e *WeatherEvent) EncodedLen() int {
	return weatherHeadSize + len(e.Entries)*weatherEntrySize
}

func (e *WeatherEvent) AppendTo(b []byte) []byte {
	b = append(b, e.UUID[:]...)
	b = binary.LittleEndian.AppendUint32(b, e.LastUpdate)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Entries)))
	for _, en := range e.Entries {
		for _, v := range []int32{en.Timestamp, en.WeatherType, en.WindDirection, en.SolarRadiation, en.RelativeHumidity} {
			b = binary.LittleEndian.AppendUint32(b, uint32(v))
		}
		for _, v := range []float64{en.Temperature, en.PerceivedTemperature, en.DewPoint, en.Precipitation, en.WindSpeed, en.BarometricPressure} {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
		}
	}
	return b
}

// DecodeEventTable splits an event table payload into its records. Records
// are laid out back to back; decoding stops exactly at the end of data.
func DecodeEventTable(t MessageType, data []byte) ([]Event, error) {
	var decode func([]byte) (Event, error)
	switch t {
	case TypeValueTable:
		decode = decodeValueEvent
	case TypeTextTable:
		decode = decodeTextEvent
	case TypeDayTimerTable:
		decode = decodeDayTimerEvent
	case TypeWeatherTable:
		decode = decodeWeatherEvent
	default:
		return nil, lxerr.Protocol("message type %s is not an event table", t)
	}

	var events []Event
	for offset := 0; offset < len(data); {
		ev, err := decode(data[offset:])
		if err != nil {
			return events, fmt.Errorf("%s record at offset %d: %w", t, offset, err)
		}
		events = append(events, ev)
		offset += ev.EncodedLen()
	}
	return events, nil
}

// EncodeEventTable concatenates the wire form of the given events
func EncodeEventTable(events ...Event) []byte {
	size := 0
	for _, ev := range events {
		size += ev.EncodedLen()
	}
	buf := make([]byte, 0, size)
	for _, ev := range events {
		buf = ev.AppendTo(buf)
	}
	return buf
}

func need(data []byte, n int, what string) error {
	if len(data) < n {
		return lxerr.MalformedTable("%s needs %d bytes, %d left", what, n, len(data))
	}
	return nil
}

func f64(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
func i32(b []byte) int32   { return int32(binary.LittleEndian.Uint32(b)) }

func decodeValueEvent(data []byte) (Event, error) {
	if err := need(data, valueEventSize, "value event"); err != nil {
		return nil, err
	}
	ev := &ValueEvent{Value: f64(data[16:24])}
	copy(ev.UUID[:], data)
	return ev, nil
}

func decodeTextEvent(data []byte) (Event, error) {
	if err := need(data, textEventHeadSize, "text event"); err != nil {
		return nil, err
	}
	textLen := binary.LittleEndian.Uint32(data[32:36])
	if uint64(textLen) > uint64(len(data)) {
		return nil, lxerr.MalformedTable("text length %d exceeds table", textLen)
	}
	if err := need(data, paddedTextLen(int(textLen)), "padded text event"); err != nil {
		return nil, err
	}

	ev := &TextEvent{Text: string(data[textEventHeadSize : textEventHeadSize+int(textLen)])}
	copy(ev.UUID[:], data[0:16])
	copy(ev.Icon[:], data[16:32])
	return ev, nil
}

func decodeDayTimerEvent(data []byte) (Event, error) {
	if err := need(data, dayTimerHeadSize, "day timer event"); err != nil {
		return nil, err
	}
	count := i32(data[24:28])
	if count < 0 {
		return nil, lxerr.MalformedTable("negative day timer entry count %d", count)
	}
	if err := need(data, dayTimerHeadSize+int(count)*dayTimerEntrySize, "day timer entries"); err != nil {
		return nil, err
	}

	ev := &DayTimerEvent{Default: f64(data[16:24]), Entries: make([]DayTimerEntry, count)}
	copy(ev.UUID[:], data)
	for i := range ev.Entries {
		b := data[dayTimerHeadSize+i*dayTimerEntrySize:]
		ev.Entries[i] = DayTimerEntry{
			Mode:         i32(b[0:4]),
			From:         i32(b[4:8]),
			To:           i32(b[8:12]),
			NeedActivate: i32(b[12:16]),
			Value:        f64(b[16:24]),
		}
	}
	return ev, nil
}

func decodeWeatherEvent(data []byte) (Event, error) {
	if err := need(data, weatherHeadSize, "weather event"); err != nil {
		return nil, err
	}
	count := i32(data[20:24])
	if count < 0 {
		return nil, lxerr.MalformedTable("negative weather entry count %d", count)
	}
	if err := need(data, weatherHeadSize+int(count)*weatherEntrySize, "weather entries"); err != nil {
		return nil, err
	}

	ev := &WeatherEvent{LastUpdate: binary.LittleEndian.Uint32(data[16:20]), Entries: make([]WeatherEntry, count)}
	copy(ev.UUID[:], data)
	for i := range ev.Entries {
		b := data[weatherHeadSize+i*weatherEntrySize:]
		ev.Entries[i] = WeatherEntry{
			Timestamp:            i32(b[0:4]),
			WeatherType:          i32(b[4:8]),
			WindDirection:        i32(b[8:12]),
			SolarRadiation:       i32(b[12:16]),
			RelativeHumidity:     i32(b[16:20]),
			Temperature:          f64(b[20:28]),
			PerceivedTemperature: f64(b[28:36]),
			DewPoint:             f64(b[36:44]),
			Precipitation:        f64(b[44:52]),
			WindSpeed:            f64(b[52:60]),
			BarometricPressure:   f64(b[60:68]),
		}
	}
	return ev, nil
}
