package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

// RoomPolicies picks the policy of a room from glob rules over its id. The
// first matching rule wins; rooms no rule matches use the default.
//
// File format:
//
//	default: paired
//	rooms:
//	  - match: "lobby-*"
//	    policy: broadcast
type RoomPolicies struct {
	def   rooms.Mode
	rules []roomPolicyRule
}

type roomPolicyRule struct {
	match string
	mode  rooms.Mode
}

type roomPolicyFile struct {
	Default string `yaml:"default"`
	Rooms   []struct {
		Match  string `yaml:"match"`
		Policy string `yaml:"policy"`
	} `yaml:"rooms"`
}

func NewRoomPolicies(def rooms.Mode) *RoomPolicies {
	return &RoomPolicies{def: def}
}

// LoadRoomPolicies reads rules from a YAML file. The file's default applies
// unless keepDefault is set, which is the case when the default was given
// explicitly on the command line or in the environment.
func LoadRoomPolicies(file string, def rooms.Mode, keepDefault bool) (*RoomPolicies, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseRoomPolicies(raw, def, keepDefault)
}

func ParseRoomPolicies(raw []byte, def rooms.Mode, keepDefault bool) (*RoomPolicies, error) {
	var f roomPolicyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	p := NewRoomPolicies(def)
	if f.Default != "" && !keepDefault {
		m, err := rooms.ParseMode(f.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		p.def = m
	}
	for i, r := range f.Rooms {
		if r.Match == "" {
			return nil, fmt.Errorf("rooms[%d]: match must not be empty", i)
		}
		if _, err := path.Match(r.Match, ""); err != nil {
			return nil, fmt.Errorf("rooms[%d]: match %q: %w", i, r.Match, err)
		}
		m, err := rooms.ParseMode(r.Policy)
		if err != nil {
			return nil, fmt.Errorf("rooms[%d]: %w", i, err)
		}
		p.rules = append(p.rules, roomPolicyRule{match: r.Match, mode: m})
	}
	return p, nil
}

func (p *RoomPolicies) Default() rooms.Mode { return p.def }

func (p *RoomPolicies) ModeFor(roomID string) rooms.Mode {
	for _, r := range p.rules {
		if ok, _ := path.Match(r.match, roomID); ok {
			return r.mode
		}
	}
	return p.def
}
