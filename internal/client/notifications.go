package client

import (
	"fmt"

	"github.com/muurk/loxclient/internal/auth"
	"github.com/muurk/loxclient/internal/protocol"
)

// Notification is one of the types below
type Notification interface {
	notification()
}

// Observer receives notifications synchronously and must not block
type Observer func(Notification)

type (
	StateChanged struct {
		From, To State
	}

	Connected struct {
		Host string
	}

	Disconnected struct {
		Reason string
	}

	Authenticated struct {
		Token *auth.Token
	}

	Ready struct{}

	// Text is a text message no command waited for
	Text struct {
		Message *protocol.TextMessage
	}

	// File is a file payload nobody requested
	File struct {
		Message *protocol.FileMessage
	}

	// Events carries the decoded events of one table after watchlist filtering
	Events struct {
		Table  protocol.MessageType
		Events []Event
	}

	Keepalive struct{}

	OutOfService struct{}

	// Error reports a failed connect
	Error struct {
		Err error
	}
)

func (StateChanged) notification()  {}
func (Connected) notification()     {}
func (Disconnected) notification()  {}
func (Authenticated) notification() {}
func (Ready) notification()         {}
func (Text) notification()          {}
func (File) notification()          {}
func (Events) notification()        {}
func (Keepalive) notification()     {}
func (OutOfService) notification()  {}
func (Error) notification()         {}

// Event is a decoded event, enriched when a StateLookup knows its UUID
type Event struct {
	protocol.Event

	// State is nil unless the lookup found the UUID
	State *StateInfo
}

func (e Event) String() string {
	if e.State == nil {
		return fmt.Sprint(e.Event)
	}
	return fmt.Sprintf("%s: %v", e.State.Path(), e.Event)
}
