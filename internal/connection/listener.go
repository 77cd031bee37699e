package connection

import "github.com/muurk/loxclient/internal/protocol"

// Listener receives everything the read loop does not hand to a waiting
// command. Calls happen on the read goroutine and must not block.
type Listener interface {
	// OnDisconnected fires exactly once per socket after teardown
	OnDisconnected(reason string)
	// OnText receives text frames no pending command matched
	OnText(msg *protocol.TextMessage)
	// OnFile receives file payloads nobody requested
	OnFile(msg *protocol.FileMessage)
	// OnKeepalive receives keepalive headers nobody waited for
	OnKeepalive(h protocol.Header)
	// OnOutOfService fires when the Miniserver announces it is going down
	OnOutOfService(h protocol.Header)
	// OnEvents receives each decoded event table
	OnEvents(table protocol.MessageType, events []protocol.Event)
}

// NopListener ignores everything. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnDisconnected(string)                         {}
func (NopListener) OnText(*protocol.TextMessage)                  {}
func (NopListener) OnFile(*protocol.FileMessage)                  {}
func (NopListener) OnKeepalive(protocol.Header)                   {}
func (NopListener) OnOutOfService(protocol.Header)                {}
func (NopListener) OnEvents(protocol.MessageType, []protocol.Event) {}
