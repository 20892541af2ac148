package ports

import "github.com/Agrid-Dev/thermopid/internal/thermostat"

// SnapshotDTO is the wire form of a thermostat snapshot shared by the
// HTTP and MQTT controllers.
type SnapshotDTO struct {
	DeviceID               string  `json:"device_id,omitempty"`
	Mode                   string  `json:"mode"`
	TemperatureSetpoint    float64 `json:"temperature_setpoint"`
	TemperatureSetpointMin float64 `json:"temperature_setpoint_min"`
	TemperatureSetpointMax float64 `json:"temperature_setpoint_max"`
	Preset                 string  `json:"preset,omitempty"`
	Measurement            float64 `json:"measurement"`
	Output                 float64 `json:"output"`
	HeatDuty               float64 `json:"heat_duty"`
	CoolDuty               float64 `json:"cool_duty"`
	Error                  float64 `json:"error"`
	Proportional           float64 `json:"proportional_term"`
	Integral               float64 `json:"integral_term"`
	Derivative             float64 `json:"derivative_term"`
	Deadband               string  `json:"deadband"`
	Kp                     float64 `json:"kp"`
	Ki                     float64 `json:"ki"`
	Kd                     float64 `json:"kd"`
	Loop                   string  `json:"loop"`
	AutotunePhase          string  `json:"autotune_phase,omitempty"`
	AutotuneCycles         int     `json:"autotune_cycles,omitempty"`
}

func NewSnapshotDTO(deviceID string, s thermostat.Snapshot) SnapshotDTO {
	dto := SnapshotDTO{
		DeviceID:               deviceID,
		Mode:                   s.Mode.String(),
		TemperatureSetpoint:    s.TemperatureSetpoint,
		TemperatureSetpointMin: s.TemperatureSetpointMin,
		TemperatureSetpointMax: s.TemperatureSetpointMax,
		Preset:                 s.Preset.String(),
		Measurement:            s.Measurement,
		Output:                 s.Output,
		HeatDuty:               s.HeatDuty,
		CoolDuty:               s.CoolDuty,
		Error:                  s.Terms.Error,
		Proportional:           s.Terms.Proportional,
		Integral:               s.Terms.Integral,
		Derivative:             s.Terms.Derivative,
		Deadband:               s.Deadband.String(),
		Kp:                     s.Params.Kp,
		Ki:                     s.Params.Ki,
		Kd:                     s.Params.Kd,
		Loop:                   s.Loop.String(),
	}
	if s.Loop == thermostat.LoopAutotuning {
		dto.AutotunePhase = s.AutotunePhase.String()
		dto.AutotuneCycles = s.AutotuneCycles
	}
	return dto
}

// ControlParametersRequest carries a gain update. Omitted ki/kd mean zero.
type ControlParametersRequest struct {
	Kp *float64 `json:"kp"`
	Ki *float64 `json:"ki"`
	Kd *float64 `json:"kd"`
}

func (r ControlParametersRequest) Gains() (kp, ki, kd float64, ok bool) {
	if r.Kp == nil {
		return 0, 0, 0, false
	}
	kp = *r.Kp
	if r.Ki != nil {
		ki = *r.Ki
	}
	if r.Kd != nil {
		kd = *r.Kd
	}
	return kp, ki, kd, true
}

// AutotuneRequest starts a relay autotune; omitted fields keep the base options.
type AutotuneRequest struct {
	Noiseband      *float64 `json:"noiseband"`
	PositiveOutput *float64 `json:"positive_output"`
	NegativeOutput *float64 `json:"negative_output"`
}

func (r AutotuneRequest) Options(base thermostat.AutotuneOptions) thermostat.AutotuneOptions {
	opts := base
	if r.Noiseband != nil {
		opts.Noiseband = *r.Noiseband
	}
	if r.PositiveOutput != nil {
		opts.PositiveOutput = *r.PositiveOutput
	}
	if r.NegativeOutput != nil {
		opts.NegativeOutput = *r.NegativeOutput
	}
	return opts
}
