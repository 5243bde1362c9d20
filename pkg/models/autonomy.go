package models

import (
	"fmt"
	"strings"
)

// AutonomyLevel is the policy class gating tool execution.
// Levels are ordered: ReadOnly < Supervised < Full.
type AutonomyLevel int

const (
	// AutonomyReadOnly permits no side-effecting tools.
	AutonomyReadOnly AutonomyLevel = iota
	// AutonomySupervised permits tools after user confirmation.
	AutonomySupervised
	// AutonomyFull permits tools without confirmation.
	AutonomyFull
)

// String returns the canonical upper-case name.
func (l AutonomyLevel) String() string {
	switch l {
	case AutonomyReadOnly:
		return "READONLY"
	case AutonomySupervised:
		return "SUPERVISED"
	case AutonomyFull:
		return "FULL"
	default:
		return fmt.Sprintf("AutonomyLevel(%d)", int(l))
	}
}

// ParseAutonomyLevel parses a level name case-insensitively.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READONLY", "READ_ONLY", "READ-ONLY":
		return AutonomyReadOnly, nil
	case "SUPERVISED":
		return AutonomySupervised, nil
	case "FULL":
		return AutonomyFull, nil
	default:
		return AutonomyReadOnly, fmt.Errorf("unknown autonomy level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l AutonomyLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *AutonomyLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAutonomyLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
