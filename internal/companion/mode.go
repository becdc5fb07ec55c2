// Package companion holds the conversational persona: conversation modes, the
// system prompt sent to every provider, the [REACT:emoji] reply convention,
// per-provider generation defaults and model pricing.
package companion

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeVenting     Mode = "venting"
	ModePerspective Mode = "perspective"
	ModeGeneral     Mode = "general"
)

var Modes = []Mode{ModeVenting, ModePerspective, ModeGeneral}

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeVenting:
		return ModeVenting, nil
	case ModePerspective:
		return ModePerspective, nil
	case ModeGeneral:
		return ModeGeneral, nil
	default:
		return "", fmt.Errorf("unknown conversation mode %q", v)
	}
}

// ModeOr returns the parsed mode or fallback when v is empty or unknown.
func ModeOr(v string, fallback Mode) Mode {
	m, err := ParseMode(v)
	if err != nil {
		return fallback
	}
	return m
}

func (m Mode) Label() string {
	switch m {
	case ModeVenting:
		return "Just venting"
	case ModePerspective:
		return "Need perspective"
	default:
		return "General chat"
	}
}
