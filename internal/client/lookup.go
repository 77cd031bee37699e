package client

import (
	"strings"

	"github.com/muurk/loxclient/internal/protocol"
)

// StateInfo names a state of a control in the structure document
type StateInfo struct {
	UUID    protocol.UUID
	Name    string
	Control string
	Room    string
}

// Path is room/control/state, skipping empty parts
func (s StateInfo) Path() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.Room, s.Control, s.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// StateLookup resolves event UUIDs to structure names
type StateLookup interface {
	LookupState(id protocol.UUID) (StateInfo, bool)
}

// StateMap is a StateLookup over a fixed map
type StateMap map[protocol.UUID]StateInfo

func (m StateMap) LookupState(id protocol.UUID) (StateInfo, bool) {
	s, ok := m[id]
	return s, ok
}
