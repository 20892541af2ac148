package thermostat

import (
	"fmt"
	"strings"
)

// Mode is an integer enum.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOff
	ModeHeat
	ModeCool
	ModeHeatCool
)

func (m Mode) Valid() bool {
	return m == ModeOff || m == ModeHeat || m == ModeCool || m == ModeHeatCool
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeHeat:
		return "heat"
	case ModeCool:
		return "cool"
	case ModeHeatCool:
		return "heat_cool"
	default:
		return "unknown"
	}
}

// ParseMode is optional but handy for env vars / CLI.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "heat":
		return ModeHeat, nil
	case "cool":
		return ModeCool, nil
	case "heat_cool":
		return ModeHeatCool, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid mode: %q", s)
	}
}

// Preset is a standard preset tag.
type Preset int

const (
	PresetNone Preset = iota
	PresetHome
	PresetAway
	PresetBoost
	PresetComfort
	PresetEco
	PresetSleep
	PresetActivity
)

func (p Preset) Valid() bool {
	return p >= PresetHome && p <= PresetActivity
}

func (p Preset) String() string {
	switch p {
	case PresetHome:
		return "home"
	case PresetAway:
		return "away"
	case PresetBoost:
		return "boost"
	case PresetComfort:
		return "comfort"
	case PresetEco:
		return "eco"
	case PresetSleep:
		return "sleep"
	case PresetActivity:
		return "activity"
	default:
		return "none"
	}
}

// ParsePreset matches standard tags case-insensitively.
func ParsePreset(s string) (Preset, bool) {
	switch strings.ToLower(s) {
	case "home":
		return PresetHome, true
	case "away":
		return PresetAway, true
	case "boost":
		return PresetBoost, true
	case "comfort":
		return PresetComfort, true
	case "eco":
		return PresetEco, true
	case "sleep":
		return PresetSleep, true
	case "activity":
		return PresetActivity, true
	default:
		return PresetNone, false
	}
}

// PresetKey identifies a preset: either a standard tag or a free-form name.
// The zero value means "no preset".
type PresetKey struct {
	Standard Preset
	Custom   string
}

// KeyFor builds the key a configured preset name is registered under.
func KeyFor(name string) PresetKey {
	if p, ok := ParsePreset(name); ok {
		return PresetKey{Standard: p}
	}
	return PresetKey{Custom: name}
}

func (k PresetKey) IsZero() bool {
	return k.Standard == PresetNone && k.Custom == ""
}

func (k PresetKey) String() string {
	if k.Standard.Valid() {
		return k.Standard.String()
	}
	return k.Custom
}

// TargetTempConfig is the target a preset (or the default) drives the loop to.
type TargetTempConfig struct {
	Temperature float64
	Mode        *Mode
}

// DeadbandState tells which side of the deadband the process is on.
type DeadbandState int

const (
	DeadbandNormal DeadbandState = iota
	DeadbandHighSide
	DeadbandLowSide
)

func (s DeadbandState) String() string {
	switch s {
	case DeadbandHighSide:
		return "deadband_high"
	case DeadbandLowSide:
		return "deadband_low"
	default:
		return "normal"
	}
}

// LoopMode is the control loop state.
type LoopMode int

const (
	LoopRunning LoopMode = iota
	LoopAutotuning
)

func (m LoopMode) String() string {
	if m == LoopAutotuning {
		return "autotuning"
	}
	return "running"
}
