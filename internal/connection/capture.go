package connection

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
)

// FrameRecord is one captured frame, written as a JSON line
type FrameRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	FrameNum     int       `json:"frame_num"`
	Host         string    `json:"host"`
	Direction    string    `json:"direction"`
	Binary       bool      `json:"binary"`
	Expected     string    `json:"expected,omitempty"`
	PayloadLen   int       `json:"payload_length"`
	PayloadHex   string    `json:"payload_hex,omitempty"`
	PayloadASCII string    `json:"payload_ascii"`
}

// capture appends frames of one socket to a JSONL file. A nil capture
// does nothing.
type capture struct {
	mu       sync.Mutex
	host     string
	filename string
	frameNum int
}

func newCapture(dir, host string) *capture {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Error("Failed to create capture directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return &capture{
		host:     host,
		filename: filepath.Join(dir, fmt.Sprintf("capture-%s.jsonl", time.Now().Format("20060102-150405"))),
	}
}

func (c *Connection) captureFrame(direction string, binary bool, data []byte, expected string) {
	c.mu.Lock()
	cp := c.capture
	c.mu.Unlock()
	cp.write(direction, binary, data, expected)
}

func (cp *capture) write(direction string, binary bool, data []byte, expected string) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.frameNum++

	record := FrameRecord{
		Timestamp:    time.Now(),
		FrameNum:     cp.frameNum,
		Host:         cp.host,
		Direction:    direction,
		Binary:       binary,
		Expected:     expected,
		PayloadLen:   len(data),
		PayloadASCII: toASCII(data),
	}
	if binary {
		record.PayloadHex = hex.EncodeToString(data)
	}

	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		logging.Error("Failed to marshal frame record", zap.Error(err))
		return
	}

	f, err := os.OpenFile(cp.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Error("Failed to open capture file", zap.String("filename", cp.filename), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line.Bytes()); err != nil {
		logging.Error("Failed to write capture file", zap.String("filename", cp.filename), zap.Error(err))
	}
}

func (cp *capture) close() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	logging.Debug("Capture finished", zap.String("filename", cp.filename), zap.Int("frames", cp.frameNum))
}

// toASCII converts bytes to ASCII string (non-printable chars become '.')
func toASCII(data []byte) string {
	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result)
}
