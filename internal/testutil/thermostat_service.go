package testutil

import "github.com/Agrid-Dev/thermopid/internal/thermostat"

// FakeThermostatService is a reusable fake implementing ports.ThermostatService.
// Put ONLY what multiple test packages need here.
type FakeThermostatService struct {
	S           thermostat.Snapshot
	PresetNames []string

	SetModeCalled bool
	SetModeArg    thermostat.Mode
	SetModeErr    error

	SetPresetCalled bool
	SetPresetArg    string
	SetPresetErr    error

	SetTargetCalled bool
	SetTargetArg    float64
	SetTargetErr    error

	SetParamsCalled bool
	SetParamsArgs   [3]float64
	SetParamsErr    error

	ResetIntegralCalls int

	StartAutotuneCalled bool
	StartAutotuneArg    thermostat.AutotuneOptions
	StartAutotuneErr    error

	StopAutotuneCalled bool
	StopAutotuneErr    error

	listeners []func(thermostat.PresetKey)
	faults    []func(error)
}

func NewFakeThermostatService() *FakeThermostatService {
	return &FakeThermostatService{
		S: thermostat.Snapshot{
			Mode:                   thermostat.ModeHeatCool,
			TemperatureSetpoint:    21,
			TemperatureSetpointMin: 10,
			TemperatureSetpointMax: 30,
			Preset:                 thermostat.PresetKey{Standard: thermostat.PresetHome},
			Measurement:            20.5,
			Output:                 0.25,
			HeatDuty:               0.25,
			Terms: thermostat.PIDTerms{
				Error:        0.5,
				Proportional: 0.2,
				Integral:     0.05,
			},
			Params: thermostat.ControlParameters{
				Kp:                0.4,
				Ki:                0.01,
				MinIntegral:       -1,
				MaxIntegral:       1,
				DerivativeSamples: 1,
				OutputSamples:     1,
			},
		},
		PresetNames: []string{"home", "away", "Vacation"},
	}
}

func (f *FakeThermostatService) Get() thermostat.Snapshot { return f.S }

func (f *FakeThermostatService) Presets() []string { return f.PresetNames }

func (f *FakeThermostatService) SetMode(m thermostat.Mode) error {
	f.SetModeCalled = true
	f.SetModeArg = m
	if f.SetModeErr != nil {
		return f.SetModeErr
	}
	f.S.Mode = m
	return nil
}

func (f *FakeThermostatService) SetPreset(name string) error {
	f.SetPresetCalled = true
	f.SetPresetArg = name
	if f.SetPresetErr != nil {
		return f.SetPresetErr
	}
	key := thermostat.KeyFor(name)
	f.S.Preset = key
	for _, fn := range f.listeners {
		fn(key)
	}
	return nil
}

func (f *FakeThermostatService) SetTargetTemperature(v float64) error {
	f.SetTargetCalled = true
	f.SetTargetArg = v
	if f.SetTargetErr != nil {
		return f.SetTargetErr
	}
	f.S.TemperatureSetpoint = v
	f.S.Preset = thermostat.PresetKey{}
	return nil
}

func (f *FakeThermostatService) SetControlParameters(kp, ki, kd float64) error {
	f.SetParamsCalled = true
	f.SetParamsArgs = [3]float64{kp, ki, kd}
	if f.SetParamsErr != nil {
		return f.SetParamsErr
	}
	f.S.Params.Kp, f.S.Params.Ki, f.S.Params.Kd = kp, ki, kd
	return nil
}

func (f *FakeThermostatService) ResetIntegralTerm() {
	f.ResetIntegralCalls++
	f.S.Terms.Integral = f.S.Params.StartingIntegral
}

func (f *FakeThermostatService) AutotuneDefaults() thermostat.AutotuneOptions {
	return thermostat.DefaultAutotuneOptions()
}

func (f *FakeThermostatService) StartAutotune(opts thermostat.AutotuneOptions) error {
	f.StartAutotuneCalled = true
	f.StartAutotuneArg = opts
	if f.StartAutotuneErr != nil {
		return f.StartAutotuneErr
	}
	f.S.Loop = thermostat.LoopAutotuning
	return nil
}

func (f *FakeThermostatService) StopAutotune() error {
	f.StopAutotuneCalled = true
	if f.StopAutotuneErr != nil {
		return f.StopAutotuneErr
	}
	f.S.Loop = thermostat.LoopRunning
	return nil
}

func (f *FakeThermostatService) OnPresetChange(fn func(thermostat.PresetKey)) {
	f.listeners = append(f.listeners, fn)
}

func (f *FakeThermostatService) OnFault(fn func(error)) {
	f.faults = append(f.faults, fn)
}

// Fault delivers err to the registered fault listeners.
func (f *FakeThermostatService) Fault(err error) {
	for _, fn := range f.faults {
		fn(err)
	}
}
