package thermostat

import (
	"fmt"
	"math"
)

// PresetConfig is a named preset as it appears in configuration.
type PresetConfig struct {
	Name   string
	Target TargetTempConfig
}

// PresetRegistry maps preset keys to targets. It is built once and never
// mutated afterwards.
type PresetRegistry struct {
	keys    []PresetKey
	configs map[PresetKey]TargetTempConfig
}

func NewPresetRegistry(presets []PresetConfig) (*PresetRegistry, error) {
	r := &PresetRegistry{configs: make(map[PresetKey]TargetTempConfig, len(presets))}
	for _, p := range presets {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidPreset)
		}
		key := KeyFor(p.Name)
		if _, ok := r.configs[key]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePreset, p.Name)
		}
		if p.Target.Mode != nil && !p.Target.Mode.Valid() {
			return nil, fmt.Errorf("preset %q: %w", p.Name, ErrInvalidMode)
		}
		r.keys = append(r.keys, key)
		r.configs[key] = p.Target
	}
	return r, nil
}

// Lookup resolves name against the standard tags (case-insensitive) first,
// then against the free-form names (exact match).
func (r *PresetRegistry) Lookup(name string) (PresetKey, TargetTempConfig, error) {
	if p, ok := ParsePreset(name); ok {
		key := PresetKey{Standard: p}
		if cfg, ok := r.configs[key]; ok {
			return key, cfg, nil
		}
	}
	key := PresetKey{Custom: name}
	if cfg, ok := r.configs[key]; ok {
		return key, cfg, nil
	}
	return PresetKey{}, TargetTempConfig{}, fmt.Errorf("%w: %q", ErrInvalidPreset, name)
}

func (r *PresetRegistry) Keys() []PresetKey {
	return append([]PresetKey(nil), r.keys...)
}

func (r *PresetRegistry) Names() []string {
	names := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		names = append(names, k.String())
	}
	return names
}

// ValidatePresets runs the configuration-time checks: every preset target
// lies within [min, max] and the default preset, if any, exists.
func ValidatePresets(presets []PresetConfig, min, max float64, defaultPreset string) error {
	if min > max {
		return ErrInvalidMinMax
	}
	for _, p := range presets {
		t := p.Target.Temperature
		if t < min {
			return fmt.Errorf("%w: target for %q is %g, below the minimum of %g", ErrInvalidTargetBounds, p.Name, t, min)
		}
		if t > max {
			return fmt.Errorf("%w: target for %q is %g, above the maximum of %g", ErrInvalidTargetBounds, p.Name, t, max)
		}
	}
	if defaultPreset == "" {
		return nil
	}
	if len(presets) == 0 {
		return fmt.Errorf("%w: default preset %q set but no presets are defined", ErrInvalidPreset, defaultPreset)
	}
	r, err := NewPresetRegistry(presets)
	if err != nil {
		return err
	}
	if _, _, err := r.Lookup(defaultPreset); err != nil {
		return fmt.Errorf("default preset: %w (available: %v)", err, r.Names())
	}
	return nil
}

// TargetManager holds the current setpoint and the preset driving it.
// It is not safe for concurrent use; the Thermostat guards it.
type TargetManager struct {
	registry *PresetRegistry
	min, max float64
	setpoint float64
	preset   PresetKey
}

func NewTargetManager(registry *PresetRegistry, defaultTarget, min, max float64) (*TargetManager, error) {
	if min > max {
		return nil, ErrInvalidMinMax
	}
	if defaultTarget < min || defaultTarget > max {
		return nil, ErrSetpointOutOfRange
	}
	if registry == nil {
		registry = &PresetRegistry{configs: map[PresetKey]TargetTempConfig{}}
	}
	return &TargetManager{registry: registry, min: min, max: max, setpoint: defaultTarget}, nil
}

func (m *TargetManager) Setpoint() float64          { return m.setpoint }
func (m *TargetManager) Preset() PresetKey          { return m.preset }
func (m *TargetManager) Bounds() (float64, float64) { return m.min, m.max }
func (m *TargetManager) Registry() *PresetRegistry  { return m.registry }

// SetPreset makes name the active preset and its target the setpoint.
func (m *TargetManager) SetPreset(name string) (PresetKey, TargetTempConfig, error) {
	key, cfg, err := m.registry.Lookup(name)
	if err != nil {
		return PresetKey{}, TargetTempConfig{}, err
	}
	m.preset = key
	m.setpoint = cfg.Temperature
	return key, cfg, nil
}

// SetTargetTemperature overrides the setpoint and detaches it from any preset.
func (m *TargetManager) SetTargetTemperature(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrInvalidSetpoint
	}
	if v < m.min || v > m.max {
		return ErrSetpointOutOfRange
	}
	m.setpoint = v
	m.preset = PresetKey{}
	return nil
}
