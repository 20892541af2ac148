package ports

import "github.com/Agrid-Dev/thermopid/internal/thermostat"

// ThermostatService is the control-plane port used by controllers (HTTP/MQTT/etc).
type ThermostatService interface {
	Get() thermostat.Snapshot
	Presets() []string
	SetMode(thermostat.Mode) error
	SetPreset(name string) error
	SetTargetTemperature(float64) error
	SetControlParameters(kp, ki, kd float64) error
	ResetIntegralTerm()
	AutotuneDefaults() thermostat.AutotuneOptions
	StartAutotune(thermostat.AutotuneOptions) error
	StopAutotune() error
	OnPresetChange(func(thermostat.PresetKey))
	OnFault(func(error))
}
