package main

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/client"
	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/protocol"
)

// structureDocument is the part of LoxAPP3.json needed to name states
type structureDocument struct {
	Rooms    map[string]structureRoom    `mapstructure:"rooms"`
	Controls map[string]structureControl `mapstructure:"controls"`
}

type structureRoom struct {
	Name string `mapstructure:"name"`
}

type structureControl struct {
	Name        string                      `mapstructure:"name"`
	Type        string                      `mapstructure:"type"`
	Room        string                      `mapstructure:"room"`
	States      map[string]any              `mapstructure:"states"`
	SubControls map[string]structureControl `mapstructure:"subControls"`
}

// structureLookup names event UUIDs once the structure file is loaded.
// It is empty until Load.
type structureLookup struct {
	mu     sync.RWMutex
	states client.StateMap
}

func (l *structureLookup) LookupState(id protocol.UUID) (client.StateInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.states[id]
	return info, ok
}

func (l *structureLookup) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.states)
}

// Load replaces the lookup with the states in doc, the decoded JSON of
// the structure file.
func (l *structureLookup) Load(doc any) error {
	states, err := parseStructure(doc)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.states = states
	l.mu.Unlock()
	return nil
}

func parseStructure(doc any) (client.StateMap, error) {
	var structure structureDocument
	if err := mapstructure.Decode(doc, &structure); err != nil {
		return nil, fmt.Errorf("failed to decode structure file: %w", err)
	}

	states := make(client.StateMap)
	var add func(control structureControl, room string)
	add = func(control structureControl, room string) {
		if control.Room != "" {
			room = control.Room
		}
		roomName := structure.Rooms[room].Name
		for name, value := range control.States {
			for _, raw := range stateUUIDs(value) {
				id, err := protocol.ParseUUID(raw)
				if err != nil {
					logging.Debug("Skipping state with bad uuid", zap.String("state", name), zap.String("uuid", raw))
					continue
				}
				states[id] = client.StateInfo{UUID: id, Name: name, Control: control.Name, Room: roomName}
			}
		}
		for _, sub := range control.SubControls {
			add(sub, room)
		}
	}
	for _, control := range structure.Controls {
		add(control, "")
	}
	return states, nil
}

// stateUUIDs handles states that list several uuids
func stateUUIDs(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}
