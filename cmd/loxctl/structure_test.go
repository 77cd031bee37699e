package main

import (
	"encoding/json"
	"testing"

	"github.com/muurk/loxclient/internal/protocol"
)

const testStructure = `{
	"lastModified": "2026-01-10 09:12:44",
	"rooms": {
		"0f86168c-00e9-1d4d-ffff403fb0c34b9e": {"name": "Kitchen"},
		"0f86168c-00e9-1d4e-ffff403fb0c34b9e": {"name": "Hall"}
	},
	"controls": {
		"0f86168c-0185-1da4-ffff403fb0c34b9e": {
			"name": "Ceiling light",
			"type": "Switch",
			"room": "0f86168c-00e9-1d4d-ffff403fb0c34b9e",
			"states": {"active": "0f86168c-0185-1da3-ffff403fb0c34b9e"}
		},
		"0f86168c-0190-1f00-ffff403fb0c34b9e": {
			"name": "Lighting",
			"type": "LightControllerV2",
			"room": "0f86168c-00e9-1d4e-ffff403fb0c34b9e",
			"states": {
				"activeMoods": "0f86168c-0190-1f01-ffff403fb0c34b9e",
				"bad": "xyz"
			},
			"subControls": {
				"0f86168c-0190-1f02-ffff403fb0c34b9e": {
					"name": "Spot",
					"type": "Dimmer",
					"states": {
						"position": "0f86168c-0190-1f03-ffff403fb0c34b9e",
						"history": ["0f86168c-0190-1f04-ffff403fb0c34b9e", "0f86168c-0190-1f05-ffff403fb0c34b9e"]
					}
				}
			}
		}
	}
}`

func decodeStructure(t *testing.T) any {
	t.Helper()
	var doc any
	if err := json.Unmarshal([]byte(testStructure), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return doc
}

func mustUUID(t *testing.T, s string) protocol.UUID {
	t.Helper()
	id, err := protocol.ParseUUID(s)
	if err != nil {
		t.Fatalf("ParseUUID(%q) error = %v", s, err)
	}
	return id
}

func TestParseStructure(t *testing.T) {
	states, err := parseStructure(decodeStructure(t))
	if err != nil {
		t.Fatalf("parseStructure() error = %v", err)
	}

	tests := []struct {
		id   string
		want string
	}{
		{"0f86168c-0185-1da3-ffff403fb0c34b9e", "Kitchen/Ceiling light/active"},
		{"0f86168c-0190-1f01-ffff403fb0c34b9e", "Hall/Lighting/activeMoods"},
		{"0f86168c-0190-1f03-ffff403fb0c34b9e", "Hall/Spot/position"},
		{"0f86168c-0190-1f05-ffff403fb0c34b9e", "Hall/Spot/history"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			info, ok := states.LookupState(mustUUID(t, tt.id))
			if !ok {
				t.Fatalf("state %s not found", tt.id)
			}
			if got := info.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}

	if len(states) != 5 {
		t.Errorf("len(states) = %d, want 5", len(states))
	}
}

func TestStructureLookup(t *testing.T) {
	lookup := &structureLookup{}
	id := mustUUID(t, "0f86168c-0185-1da3-ffff403fb0c34b9e")

	if _, ok := lookup.LookupState(id); ok {
		t.Fatal("empty lookup found a state")
	}
	if err := lookup.Load(decodeStructure(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if lookup.Len() != 5 {
		t.Errorf("Len() = %d, want 5", lookup.Len())
	}
	if info, ok := lookup.LookupState(id); !ok || info.Control != "Ceiling light" {
		t.Errorf("LookupState() = %+v, %v", info, ok)
	}
}

func TestParseStructureRejectsBadShape(t *testing.T) {
	if _, err := parseStructure(map[string]any{"controls": "nope"}); err == nil {
		t.Error("parseStructure() accepted controls of the wrong type")
	}
}
