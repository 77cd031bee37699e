package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// TextKind classifies a text frame
type TextKind int

const (
	// TextPlain is any text that is not JSON
	TextPlain TextKind = iota
	// TextJSON is JSON without the LL envelope
	TextJSON
	// TextControl is a command response: {"LL": {"control", "value", "code"}}
	TextControl
)

func (k TextKind) String() string {
	switch k {
	case TextJSON:
		return "json"
	case TextControl:
		return "control"
	default:
		return "text"
	}
}

// TextMessage is a decoded text frame
type TextMessage struct {
	Kind TextKind
	Raw  string

	// Populated for TextControl
	Control string
	Value   any
	Code    int

	// Populated for TextJSON
	JSON any
}

// ParseTextMessage classifies and decodes a text frame. Frames that cannot
// be decoded as JSON are returned as TextPlain.
func ParseTextMessage(raw string) *TextMessage {
	msg := &TextMessage{Kind: TextPlain, Raw: raw}

	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return msg
	}

	var envelope struct {
		LL map[string]any `json:"LL"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.LL != nil {
		msg.Kind = TextControl
		msg.Control, _ = envelope.LL["control"].(string)
		msg.Value = envelope.LL["value"]
		code, ok := envelope.LL["Code"]
		if !ok {
			code = envelope.LL["code"]
		}
		msg.Code = parseCode(code)
		return msg
	}

	var generic any
	if err := json.Unmarshal([]byte(trimmed), &generic); err == nil {
		msg.Kind = TextJSON
		msg.JSON = generic
	}
	return msg
}

// parseCode accepts both numeric and string codes; firmware differs
func parseCode(v any) int {
	switch c := v.(type) {
	case float64:
		return int(c)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Type implements Message
func (m *TextMessage) Type() MessageType {
	return TypeText
}

// OK reports whether the response carries code 200
func (m *TextMessage) OK() bool {
	return m.Kind == TextControl && m.Code == 200
}

// ValueString returns the value as a string, formatting numbers if needed
func (m *TextMessage) ValueString() string {
	switch v := m.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// DecodeValue decodes the response value into out using weakly typed
// conversion (string codes, float timestamps).
func (m *TextMessage) DecodeValue(out any) error {
	if m.Kind != TextControl {
		return fmt.Errorf("text message of kind %s has no value", m.Kind)
	}
	return mapstructure.WeakDecode(m.Value, out)
}

// String returns a debug representation
func (m *TextMessage) String() string {
	switch m.Kind {
	case TextControl:
		return fmt.Sprintf("Control{control=%s, code=%d, value=%s}", m.Control, m.Code, m.ValueString())
	default:
		return fmt.Sprintf("Text{kind=%s, len=%d}", m.Kind, len(m.Raw))
	}
}

// ControlResponse builds the JSON text a Miniserver sends in reply to a
// command. Used by test servers.
func ControlResponse(control string, code int, value any) string {
	b, err := json.Marshal(map[string]any{
		"LL": map[string]any{
			"control": control,
			"value":   value,
			"Code":    strconv.Itoa(code),
		},
	})
	if err != nil {
		return ""
	}
	return string(b)
}
