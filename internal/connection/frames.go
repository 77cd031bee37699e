package connection

import (
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/protocol"
)

// handleFrame advances the framing state machine by one frame and
// dispatches the result. It returns what the next frame must be.
func (c *Connection) handleFrame(expect protocol.Expectation, binary bool, data []byte) protocol.Expectation {
	c.captureFrame("miniserver->client", binary, data, expect.String())

	if expect.Phase == protocol.PhaseHeader {
		return c.handleHeader(binary, data)
	}

	c.opts.Metrics.FrameReceived(expect.Type.String())

	switch expect.Type {
	case protocol.TypeText:
		if binary {
			logging.Warn("Expected text payload, got binary", zap.Int("length", len(data)))
			break
		}
		c.handleText(string(data))

	case protocol.TypeBinaryFile:
		c.handleFile(binary, data)

	default:
		if !binary {
			logging.Warn("Expected binary event table, got text",
				zap.String("table", expect.Type.String()))
			break
		}
		events, err := protocol.DecodeEventTable(expect.Type, data)
		if err != nil {
			logging.Error("Failed to decode event table",
				zap.String("table", expect.Type.String()),
				zap.Int("length", len(data)),
				zap.Error(err))
			break
		}
		c.opts.Metrics.EventsReceived(expect.Type.String(), len(events))
		c.listener.OnEvents(expect.Type, events)
	}

	return protocol.ExpectHeader
}

func (c *Connection) handleHeader(binary bool, data []byte) protocol.Expectation {
	if !binary {
		logging.Warn("Expected binary header, got text; dropping frame",
			zap.Int("length", len(data)))
		return protocol.ExpectHeader
	}

	header, err := protocol.ParseHeader(data)
	if err != nil {
		logging.Error("Failed to parse header", zap.Error(err))
		logging.LogFrame("Invalid header", data)
		return protocol.ExpectHeader
	}

	logging.Debug("Received header", zap.String("header", header.String()))

	switch header.Identifier {
	case protocol.TypeKeepalive:
		c.opts.Metrics.FrameReceived(header.Identifier.String())
		c.opts.Metrics.Keepalive()
		if !c.correlator.Resolve(KeepaliveCommand, header) {
			c.listener.OnKeepalive(header)
		}
	case protocol.TypeOutOfService:
		c.opts.Metrics.FrameReceived(header.Identifier.String())
		logging.Warn("Miniserver is going out of service", zap.String("host", c.opts.Host))
		c.listener.OnOutOfService(header)
	}

	return header.Next()
}

func (c *Connection) handleText(raw string) {
	msg := protocol.ParseTextMessage(raw)

	if msg.Control != "" && c.correlator.Resolve(msg.Control, msg) {
		logging.Debug("Received response", zap.String("message", msg.String()))
		return
	}

	if c.opts.MessageLog {
		logging.Info("Received text message", zap.String("message", logging.MaskJSON(raw)))
	}
	c.listener.OnText(msg)
}

func (c *Connection) handleFile(binary bool, data []byte) {
	c.mu.Lock()
	name := c.lastFile
	c.mu.Unlock()

	msg, err := protocol.NewFileMessage(name, data, binary)
	if err != nil {
		logging.Error("Failed to decode file", zap.String("file", name), zap.Error(err))
		return
	}
	logging.Debug("Received file", zap.String("file", msg.String()))

	if name != "" && c.correlator.Resolve(name, msg) {
		return
	}
	c.listener.OnFile(msg)
}
