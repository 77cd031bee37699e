package protocol

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// FileFormat describes how a file payload was decoded
type FileFormat int

const (
	FileBinary FileFormat = iota
	FileText
	FileJSON
)

func (f FileFormat) String() string {
	switch f {
	case FileText:
		return "text"
	case FileJSON:
		return "json"
	default:
		return "binary"
	}
}

// FileMessage is the response to a file request
type FileMessage struct {
	Filename string
	Format   FileFormat
	Data     []byte
	JSON     any
}

// NewFileMessage wraps a file payload. Text payloads of .json files are
// decoded; binary payloads are kept as-is.
func NewFileMessage(filename string, data []byte, binary bool) (*FileMessage, error) {
	msg := &FileMessage{Filename: filename, Data: data, Format: FileBinary}
	if binary {
		return msg, nil
	}

	msg.Format = FileText
	if strings.EqualFold(path.Ext(filename), ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", filename, err)
		}
		msg.Format = FileJSON
		msg.JSON = v
	}
	return msg, nil
}

// Type implements Message
func (m *FileMessage) Type() MessageType {
	return TypeBinaryFile
}

// Text returns the payload as a string
func (m *FileMessage) Text() string {
	return string(m.Data)
}

// String returns a debug representation
func (m *FileMessage) String() string {
	return fmt.Sprintf("File{name=%s, format=%s, size=%d}", m.Filename, m.Format, len(m.Data))
}
