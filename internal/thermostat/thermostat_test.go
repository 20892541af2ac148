package thermostat

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"
	"time"
)

type fakeSource struct {
	value float64
	valid bool
	reads int
}

func (s *fakeSource) Read() (float64, bool) {
	s.reads++
	return s.value, s.valid
}

type fakeDriver struct {
	duty  float64
	calls int
}

func (d *fakeDriver) SetDuty(f float64) {
	d.duty = f
	d.calls++
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func assertError(t *testing.T, err error, expected error) {
	t.Helper()
	if !errors.Is(err, expected) {
		t.Fatalf("expected %v, got %v", expected, err)
	}
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", name, got, want)
	}
}

func ptr[T any](v T) *T { return &v }

func newTestConfig(opts ...func(*Config)) Config {
	control := DefaultControlParameters()
	control.Kp = 1
	c := Config{
		Mode:                   ModeHeatCool,
		DefaultTarget:          21,
		TemperatureSetpointMin: 10,
		TemperatureSetpointMax: 30,
		Control:                control,
		Presets: []PresetConfig{
			{Name: "home", Target: TargetTempConfig{Temperature: 21}},
			{Name: "away", Target: TargetTempConfig{Temperature: 16, Mode: ptr(ModeHeat)}},
			{Name: "Vacation", Target: TargetTempConfig{Temperature: 12}},
		},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type rig struct {
	th   *Thermostat
	src  *fakeSource
	heat *fakeDriver
	cool *fakeDriver
}

func newTestRig(t *testing.T, opts ...func(*Config)) rig {
	t.Helper()
	r := rig{
		src:  &fakeSource{value: 21, valid: true},
		heat: &fakeDriver{},
		cool: &fakeDriver{},
	}
	th, err := New(newTestConfig(opts...), r.src, r.heat, r.cool,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r.th = th
	return r
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  func(*Config)
		want error
	}{
		{"invalid mode", func(c *Config) { c.Mode = Mode(999) }, ErrInvalidMode},
		{"invalid min max", func(c *Config) { c.TemperatureSetpointMin = 31 }, ErrInvalidMinMax},
		{"default target out of range", func(c *Config) { c.DefaultTarget = 4 }, ErrSetpointOutOfRange},
		{"integral limits", func(c *Config) { c.Control.MinIntegral = 2 }, ErrInvalidIntegralLimits},
		{"window size", func(c *Config) { c.Control.OutputSamples = 0 }, ErrInvalidWindowSize},
		{"deadband thresholds", func(c *Config) {
			c.Deadband = &DeadbandParameters{ThresholdLow: 1, ThresholdHigh: -1, OutputSamples: 1}
		}, ErrInvalidDeadbandThresholds},
		{"preset above max", func(c *Config) {
			c.Presets = append(c.Presets, PresetConfig{Name: "boost", Target: TargetTempConfig{Temperature: 35}})
		}, ErrInvalidTargetBounds},
		{"unknown default preset", func(c *Config) { c.DefaultPreset = "party" }, ErrInvalidPreset},
		{"autotune outputs", func(c *Config) {
			c.Autotune = AutotuneOptions{Noiseband: 0.2, PositiveOutput: 0.5, NegativeOutput: 0.5}
		}, ErrInvalidRelayOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(newTestConfig(tt.opt), &fakeSource{}, &fakeDriver{}, nil)
			assertError(t, err, tt.want)
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(newTestConfig(), nil, &fakeDriver{}, nil)
	assertError(t, err, ErrNoSampleSource)
	_, err = New(newTestConfig(), &fakeSource{}, nil, nil)
	assertError(t, err, ErrNoOutputs)
}

func TestTickFullHeat(t *testing.T) {
	r := newTestRig(t)
	r.src.value = 20

	assertError(t, r.th.Tick(t0), nil)
	s := r.th.Get()
	assertEqual(t, "output", s.Output, 1.0)
	assertEqual(t, "heat duty", r.heat.duty, 1.0)
	assertEqual(t, "cool duty", r.cool.duty, 0.0)
	assertEqual(t, "measurement", s.Measurement, 20.0)
}

func TestTickCools(t *testing.T) {
	r := newTestRig(t)
	r.src.value = 21.5

	assertError(t, r.th.Tick(t0), nil)
	assertEqual(t, "heat duty", r.heat.duty, 0.0)
	assertEqual(t, "cool duty", r.cool.duty, 0.5)
}

func TestModeRestrictsActuators(t *testing.T) {
	r := newTestRig(t)
	r.src.value = 25
	assertError(t, r.th.SetMode(ModeHeat), nil)
	assertError(t, r.th.Tick(t0), nil)
	assertEqual(t, "cool duty (heat only)", r.cool.duty, 0.0)

	assertError(t, r.th.SetMode(ModeOff), nil)
	r.src.value = 15
	assertError(t, r.th.Tick(t0.Add(time.Second)), nil)
	assertEqual(t, "heat duty (off)", r.heat.duty, 0.0)
	assertEqual(t, "cool duty (off)", r.cool.duty, 0.0)

	assertError(t, r.th.SetMode(Mode(42)), ErrInvalidMode)
}

func TestSensorInvalidHoldsOutput(t *testing.T) {
	r := newTestRig(t)
	r.src.value = 20
	assertError(t, r.th.Tick(t0), nil)
	calls := r.heat.calls

	r.src.valid = false
	assertError(t, r.th.Tick(t0.Add(time.Second)), ErrSensorInvalid)
	assertEqual(t, "driver calls", r.heat.calls, calls)
	assertEqual(t, "held output", r.th.Get().Output, 1.0)

	r.src.value = math.NaN()
	r.src.valid = true
	assertError(t, r.th.Tick(t0.Add(2*time.Second)), ErrSensorInvalid)
}

func TestFaultListeners(t *testing.T) {
	r := newTestRig(t)
	var faults []error
	r.th.OnFault(func(err error) { faults = append(faults, err) })

	r.src.value = 20
	assertError(t, r.th.Tick(t0), nil)
	assertEqual(t, "no fault on a good tick", len(faults), 0)

	r.src.valid = false
	_ = r.th.Tick(t0.Add(time.Second))
	r.src.valid = true
	_ = r.th.Tick(t0)
	assertEqual(t, "faults", len(faults), 2)
	assertError(t, faults[0], ErrSensorInvalid)
	assertError(t, faults[1], ErrClockAnomaly)
}

func TestClockAnomaly(t *testing.T) {
	r := newTestRig(t, func(c *Config) { c.Control.Ki = 1 })
	r.src.value = 20.5
	assertError(t, r.th.Tick(t0), nil)
	before := r.th.Get()

	assertError(t, r.th.Tick(t0), ErrClockAnomaly)
	assertError(t, r.th.Tick(t0.Add(-time.Second)), ErrClockAnomaly)
	after := r.th.Get()
	assertEqual(t, "integral", after.Terms.Integral, before.Terms.Integral)
	assertEqual(t, "output", after.Output, before.Output)

	assertError(t, r.th.Tick(t0.Add(time.Hour)), ErrClockAnomaly)
	// the time base restarts after a gap
	assertError(t, r.th.Tick(t0.Add(time.Hour+time.Second)), nil)
}

func TestResetIntegralTermIdempotent(t *testing.T) {
	run := func(resets int) float64 {
		r := newTestRig(t, func(c *Config) {
			c.Control.Ki = 0.1
			c.Control.StartingIntegral = 0.2
		})
		r.src.value = 19
		for i := 0; i < 5; i++ {
			assertError(t, r.th.Tick(t0.Add(time.Duration(i)*time.Second)), nil)
		}
		for i := 0; i < resets; i++ {
			r.th.ResetIntegralTerm()
		}
		r.src.value = 21
		assertError(t, r.th.Tick(t0.Add(10*time.Second)), nil)
		return r.th.Get().Terms.Integral
	}
	once, twice := run(1), run(2)
	assertEqual(t, "integral", twice, once)
	assertEqual(t, "integral restored", once, 0.2)
}

func TestSetControlParametersAppliesAtTickBoundary(t *testing.T) {
	r := newTestRig(t)
	assertError(t, r.th.SetControlParameters(2, 0.5, 0), nil)
	assertEqual(t, "kp before tick", r.th.Get().Params.Kp, 1.0)

	assertError(t, r.th.Tick(t0), nil)
	p := r.th.Get().Params
	assertEqual(t, "kp", p.Kp, 2.0)
	assertEqual(t, "ki", p.Ki, 0.5)
	assertEqual(t, "kd", p.Kd, 0.0)
	assertEqual(t, "min integral kept", p.MinIntegral, -1.0)

	assertError(t, r.th.SetControlParameters(math.NaN(), 0, 0), ErrInvalidGain)
}

func TestAutotuneRequestArbitration(t *testing.T) {
	r := newTestRig(t)
	opts := DefaultAutotuneOptions()

	assertError(t, r.th.StopAutotune(), ErrAutotuneNotRunning)

	assertError(t, r.th.SetControlParameters(2, 0, 0), nil)
	assertError(t, r.th.StartAutotune(opts), ErrRequestPending)
	assertError(t, r.th.Tick(t0), nil)

	assertError(t, r.th.StartAutotune(opts), nil)
	assertError(t, r.th.StartAutotune(opts), ErrAutotuneAlreadyRunning)
	assertError(t, r.th.SetControlParameters(3, 0, 0), ErrAutotuneAlreadyRunning)
	assertError(t, r.th.Tick(t0.Add(time.Second)), nil)
	assertEqual(t, "loop", r.th.Get().Loop, LoopAutotuning)

	assertError(t, r.th.StopAutotune(), nil)
	assertError(t, r.th.Tick(t0.Add(2*time.Second)), nil)
	s := r.th.Get()
	assertEqual(t, "loop", s.Loop, LoopRunning)
	assertEqual(t, "kp unchanged", s.Params.Kp, 2.0)

	bad := opts
	bad.Noiseband = 0
	assertError(t, r.th.StartAutotune(bad), ErrInvalidNoiseband)
}

func TestAutotuneTimeoutRestoresRunning(t *testing.T) {
	r := newTestRig(t)
	opts := DefaultAutotuneOptions()
	opts.MaxTicksPerPhase = 10
	assertError(t, r.th.StartAutotune(opts), nil)

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = r.th.Tick(t0.Add(time.Duration(i) * time.Second))
	}
	assertError(t, err, ErrAutotuneTimeout)
	s := r.th.Get()
	assertEqual(t, "loop", s.Loop, LoopRunning)
	assertEqual(t, "kp unchanged", s.Params.Kp, 1.0)
	// the relay's full heat command is released on the failing tick
	assertEqual(t, "output", s.Output, 0.0)
	assertEqual(t, "heat duty", r.heat.duty, 0.0)
	assertEqual(t, "cool duty", r.cool.duty, 0.0)
}

func TestPresetRoundTrip(t *testing.T) {
	r := newTestRig(t)
	var fired []PresetKey
	r.th.OnPresetChange(func(k PresetKey) { fired = append(fired, k) })

	assertError(t, r.th.SetPreset("away"), nil)
	s := r.th.Get()
	assertEqual(t, "setpoint", s.TemperatureSetpoint, 16.0)
	assertEqual(t, "preset", s.Preset, PresetKey{Standard: PresetAway})
	assertEqual(t, "mode from preset", s.Mode, ModeHeat)

	assertError(t, r.th.SetTargetTemperature(22), nil)
	s = r.th.Get()
	assertEqual(t, "setpoint", s.TemperatureSetpoint, 22.0)
	assertEqual(t, "preset cleared", s.Preset.IsZero(), true)

	assertError(t, r.th.SetPreset("AWAY"), nil)
	assertEqual(t, "preset reassociated", r.th.Get().Preset, PresetKey{Standard: PresetAway})

	assertError(t, r.th.SetPreset("Vacation"), nil)
	assertEqual(t, "custom preset", r.th.Get().Preset, PresetKey{Custom: "Vacation"})

	assertError(t, r.th.SetPreset("vacation"), ErrInvalidPreset)
	assertError(t, r.th.SetPreset(" away "), ErrInvalidPreset)
	assertEqual(t, "notifications", len(fired), 3)
	assertEqual(t, "last notification", fired[2].String(), "Vacation")
}

func TestDefaultPresetAppliedAtStartup(t *testing.T) {
	r := newTestRig(t, func(c *Config) { c.DefaultPreset = "Away" })
	s := r.th.Get()
	assertEqual(t, "setpoint", s.TemperatureSetpoint, 16.0)
	assertEqual(t, "mode", s.Mode, ModeHeat)
}

func TestAutotuneDefaults(t *testing.T) {
	r := newTestRig(t)
	assertEqual(t, "zero value", r.th.AutotuneDefaults(), DefaultAutotuneOptions())

	custom := DefaultAutotuneOptions()
	custom.Noiseband = 0.5
	custom.NegativeOutput = 0
	r = newTestRig(t, func(c *Config) { c.Autotune = custom })
	assertEqual(t, "configured", r.th.AutotuneDefaults(), custom)
}

func TestSetTargetTemperatureBounds(t *testing.T) {
	r := newTestRig(t)
	assertError(t, r.th.SetTargetTemperature(9.9), ErrSetpointOutOfRange)
	assertError(t, r.th.SetTargetTemperature(30.1), ErrSetpointOutOfRange)
	assertError(t, r.th.SetTargetTemperature(10), nil)
	assertError(t, r.th.SetTargetTemperature(30), nil)
}

func TestActuatorsNeverBothActive(t *testing.T) {
	r := newTestRig(t, func(c *Config) {
		c.Control = ControlParameters{
			Kp: 3, Ki: 0.5, Kd: 2,
			MinIntegral: -0.5, MaxIntegral: 0.5,
			DerivativeSamples: 3, OutputSamples: 4,
		}
		c.Deadband = &DeadbandParameters{ThresholdLow: -0.3, ThresholdHigh: 0.3, KpMultiplier: 0.2, OutputSamples: 8}
	})
	rng := rand.New(rand.NewSource(7))
	now := t0
	for i := 0; i < 2000; i++ {
		r.src.value = 21 + rng.NormFloat64()*2
		now = now.Add(time.Duration(200+rng.Intn(1800)) * time.Millisecond)
		if err := r.th.Tick(now); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		s := r.th.Get()
		if s.Output < -1 || s.Output > 1 {
			t.Fatalf("tick %d: output %v out of [-1, 1]", i, s.Output)
		}
		if r.heat.duty != 0 && r.cool.duty != 0 {
			t.Fatalf("tick %d: heat %v and cool %v both active", i, r.heat.duty, r.cool.duty)
		}
		if s.Terms.Integral < -0.5 || s.Terms.Integral > 0.5 {
			t.Fatalf("tick %d: integral %v escaped its limits", i, s.Terms.Integral)
		}
	}
}
