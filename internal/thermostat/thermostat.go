package thermostat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

const DefaultMaxTickInterval = 10 * time.Minute

// Config is everything the control loop needs at construction time.
type Config struct {
	Mode                   Mode
	DefaultTarget          float64
	TemperatureSetpointMin float64
	TemperatureSetpointMax float64
	DefaultPreset          string
	Presets                []PresetConfig
	Control                ControlParameters
	Deadband               *DeadbandParameters
	// Autotune is used by operators that start a session without options.
	// Zero means DefaultAutotuneOptions.
	Autotune AutotuneOptions
	// MaxTickInterval bounds the gap between two ticks; anything longer is
	// treated as a clock anomaly.
	MaxTickInterval time.Duration
}

func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return ErrInvalidMode
	}
	if c.TemperatureSetpointMin > c.TemperatureSetpointMax {
		return ErrInvalidMinMax
	}
	if c.DefaultTarget < c.TemperatureSetpointMin || c.DefaultTarget > c.TemperatureSetpointMax {
		return fmt.Errorf("%w: default target %g outside [%g, %g]", ErrSetpointOutOfRange,
			c.DefaultTarget, c.TemperatureSetpointMin, c.TemperatureSetpointMax)
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control parameters: %w", err)
	}
	if c.Deadband != nil {
		if err := c.Deadband.Validate(); err != nil {
			return fmt.Errorf("deadband parameters: %w", err)
		}
	}
	if c.Autotune != (AutotuneOptions{}) {
		if err := c.Autotune.Validate(); err != nil {
			return fmt.Errorf("autotune: %w", err)
		}
	}
	return ValidatePresets(c.Presets, c.TemperatureSetpointMin, c.TemperatureSetpointMax, c.DefaultPreset)
}

type Snapshot struct {
	Mode                   Mode
	TemperatureSetpoint    float64
	TemperatureSetpointMin float64
	TemperatureSetpointMax float64
	Preset                 PresetKey
	Measurement            float64
	Output                 float64
	HeatDuty               float64
	CoolDuty               float64
	Terms                  PIDTerms
	Deadband               DeadbandState
	Params                 ControlParameters
	Loop                   LoopMode
	AutotunePhase          RelayPhase
	AutotuneCycles         int
}

type requestKind int

const (
	requestResetIntegral requestKind = iota
	requestSetParameters
	requestStartAutotune
	requestStopAutotune
)

// request is an operator action waiting for the next tick boundary.
type request struct {
	kind       requestKind
	kp, ki, kd float64
	autotune   AutotuneOptions
}

type Option func(*Thermostat)

func WithLogger(l *slog.Logger) Option {
	return func(t *Thermostat) { t.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Thermostat) { t.now = now }
}

// Thermostat is the control loop. Every exported method is safe for
// concurrent use; operator actions are queued and applied at the start of
// the next tick so a tick always sees one consistent parameter set.
type Thermostat struct {
	mu sync.RWMutex

	source     SampleSource
	dispatcher *OutputDispatcher
	targets    *TargetManager
	engine     *PIDEngine
	deadband   *DeadbandArbiter

	mode            Mode
	loop            LoopMode
	session         *AutotuneSession
	pending         []request
	autotune        AutotuneOptions
	maxTickInterval time.Duration

	lastTick    time.Time
	measurement float64
	output      float64

	listeners []func(PresetKey)
	faults    []func(error)

	log *slog.Logger
	now func() time.Time
}

func New(cfg Config, source SampleSource, heat, cool OutputDriver, opts ...Option) (*Thermostat, error) {
	if source == nil {
		return nil, ErrNoSampleSource
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dispatcher, err := NewOutputDispatcher(heat, cool)
	if err != nil {
		return nil, err
	}
	registry, err := NewPresetRegistry(cfg.Presets)
	if err != nil {
		return nil, err
	}
	targets, err := NewTargetManager(registry, cfg.DefaultTarget, cfg.TemperatureSetpointMin, cfg.TemperatureSetpointMax)
	if err != nil {
		return nil, err
	}

	t := &Thermostat{
		source:          source,
		dispatcher:      dispatcher,
		targets:         targets,
		engine:          NewPIDEngine(cfg.Control),
		deadband:        NewDeadbandArbiter(cfg.Deadband),
		mode:            cfg.Mode,
		autotune:        cfg.Autotune,
		maxTickInterval: cfg.MaxTickInterval,
		log:             slog.Default(),
		now:             time.Now,
	}
	if t.autotune == (AutotuneOptions{}) {
		t.autotune = DefaultAutotuneOptions()
	}
	if t.maxTickInterval <= 0 {
		t.maxTickInterval = DefaultMaxTickInterval
	}
	for _, opt := range opts {
		opt(t)
	}

	if cfg.DefaultPreset != "" {
		_, target, err := t.targets.SetPreset(cfg.DefaultPreset)
		if err != nil {
			return nil, err
		}
		if target.Mode != nil {
			t.mode = *target.Mode
		}
	}
	return t, nil
}

func (t *Thermostat) Get() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	min, max := t.targets.Bounds()
	heat, cool := t.dispatcher.Duties()
	s := Snapshot{
		Mode:                   t.mode,
		TemperatureSetpoint:    t.targets.Setpoint(),
		TemperatureSetpointMin: min,
		TemperatureSetpointMax: max,
		Preset:                 t.targets.Preset(),
		Measurement:            t.measurement,
		Output:                 t.output,
		HeatDuty:               heat,
		CoolDuty:               cool,
		Terms:                  t.engine.Terms(),
		Deadband:               t.deadband.State(),
		Params:                 t.engine.Params(),
		Loop:                   t.loop,
	}
	s.Terms.Integral = t.engine.Integral()
	if t.session != nil {
		s.AutotunePhase = t.session.Phase()
		s.AutotuneCycles = t.session.Cycles()
	}
	return s
}

// Presets lists the configured preset names in configuration order.
func (t *Thermostat) Presets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.targets.Registry().Names()
}

// OnPresetChange registers fn to be called after every successful SetPreset.
func (t *Thermostat) OnPresetChange(fn func(PresetKey)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// OnFault registers fn to be called with every runtime error: skipped ticks
// and failed autotune sessions.
func (t *Thermostat) OnFault(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, fn)
}

func (t *Thermostat) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = m
	return nil
}

func (t *Thermostat) SetPreset(name string) error {
	t.mu.Lock()
	key, target, err := t.targets.SetPreset(name)
	if err == nil && target.Mode != nil {
		t.mode = *target.Mode
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if err != nil {
		return err
	}
	t.log.Info("preset changed", "preset", key.String(), "target", target.Temperature)
	for _, fn := range listeners {
		fn(key)
	}
	return nil
}

func (t *Thermostat) SetTargetTemperature(v float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targets.SetTargetTemperature(v)
}

// ResetIntegralTerm restores the integral accumulator to its starting value
// before the next tick runs.
func (t *Thermostat) ResetIntegralTerm() {
	t.enqueue(request{kind: requestResetIntegral})
}

// SetControlParameters replaces kp, ki and kd at the next tick boundary.
func (t *Thermostat) SetControlParameters(kp, ki, kd float64) error {
	p := t.Get().Params
	p.Kp, p.Ki, p.Kd = kp, ki, kd
	if err := p.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autotuneInFlightLocked() {
		return ErrAutotuneAlreadyRunning
	}
	t.pending = append(t.pending, request{kind: requestSetParameters, kp: kp, ki: ki, kd: kd})
	return nil
}

// AutotuneDefaults are the configured relay options.
func (t *Thermostat) AutotuneDefaults() AutotuneOptions {
	return t.autotune
}

func (t *Thermostat) StartAutotune(opts AutotuneOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autotuneInFlightLocked() {
		return ErrAutotuneAlreadyRunning
	}
	for _, r := range t.pending {
		if r.kind == requestSetParameters {
			return ErrRequestPending
		}
	}
	t.pending = append(t.pending, request{kind: requestStartAutotune, autotune: opts})
	return nil
}

func (t *Thermostat) StopAutotune() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.autotuneInFlightLocked() {
		return ErrAutotuneNotRunning
	}
	t.pending = append(t.pending, request{kind: requestStopAutotune})
	return nil
}

func (t *Thermostat) enqueue(r request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, r)
}

// autotuneInFlightLocked reports whether a session runs or will run after
// the queued requests are applied.
func (t *Thermostat) autotuneInFlightLocked() bool {
	running := t.loop == LoopAutotuning
	for _, r := range t.pending {
		switch r.kind {
		case requestStartAutotune:
			running = true
		case requestStopAutotune:
			running = false
		}
	}
	return running
}

// Tick runs one control step. Runtime errors are logged and returned; the
// previous actuator command is held whenever a tick is skipped.
func (t *Thermostat) Tick(now time.Time) error {
	t.mu.Lock()
	t.drainLocked()
	err := t.stepLocked(now)
	faults := t.faults
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("control tick skipped", "err", err)
		for _, fn := range faults {
			fn(err)
		}
	}
	return err
}

func (t *Thermostat) drainLocked() {
	for _, r := range t.pending {
		switch r.kind {
		case requestResetIntegral:
			t.engine.ResetIntegral()
		case requestSetParameters:
			p := t.engine.Params()
			p.Kp, p.Ki, p.Kd = r.kp, r.ki, r.kd
			t.engine.Replace(p)
			t.log.Info("control parameters updated", "kp", r.kp, "ki", r.ki, "kd", r.kd)
		case requestStartAutotune:
			session, err := NewAutotuneSession(r.autotune)
			if err != nil {
				t.log.Error("autotune not started", "err", err)
				continue
			}
			t.session = session
			t.loop = LoopAutotuning
			t.log.Info("autotune started", "noiseband", r.autotune.Noiseband,
				"positive_output", r.autotune.PositiveOutput, "negative_output", r.autotune.NegativeOutput)
		case requestStopAutotune:
			if t.loop == LoopAutotuning {
				t.endAutotuneLocked()
				t.log.Info("autotune cancelled")
			}
		}
	}
	t.pending = t.pending[:0]
}

func (t *Thermostat) stepLocked(now time.Time) error {
	m, ok := t.source.Read()
	if !ok || math.IsNaN(m) || math.IsInf(m, 0) {
		return ErrSensorInvalid
	}

	var dt time.Duration
	if !t.lastTick.IsZero() {
		dt = now.Sub(t.lastTick)
		if dt <= 0 {
			return fmt.Errorf("%w: non-positive interval %v", ErrClockAnomaly, dt)
		}
		if dt > t.maxTickInterval {
			t.lastTick = now
			t.engine.Reprime()
			return fmt.Errorf("%w: interval %v exceeds %v", ErrClockAnomaly, dt, t.maxTickInterval)
		}
	}
	t.lastTick = now
	t.measurement = m
	setpoint := t.targets.Setpoint()

	var out float64
	switch t.loop {
	case LoopAutotuning:
		if t.session.Started() && t.session.Setpoint() != setpoint {
			t.log.Warn("setpoint changed during autotune, result will be invalid",
				"from", t.session.Setpoint(), "to", setpoint)
		}
		relay, res, err := t.session.Update(setpoint, m, now)
		if err != nil {
			t.endAutotuneLocked()
			t.log.Error("autotune failed, parameters unchanged", "err", err)
			// release the relay; the PID takes over from the next tick
			t.output = 0
			t.dispatcher.Dispatch(0, t.mode)
			return err
		}
		out = relay
		if res != nil {
			t.installLocked(*res)
		}
	default:
		adj := t.deadband.Arbitrate(setpoint, m, t.engine.Params())
		var err error
		out, err = t.engine.Update(setpoint, m, dt, adj)
		if err != nil {
			return err
		}
	}

	t.output = clamp(out, -1, 1)
	t.dispatcher.Dispatch(t.output, t.mode)
	return nil
}

func (t *Thermostat) installLocked(res AutotuneResult) {
	p := t.engine.Params()
	p.Kp, p.Ki, p.Kd = res.Kp, res.Ki, res.Kd
	t.engine.Replace(p)
	t.session = nil
	t.loop = LoopRunning
	t.log.Info("autotune finished", "ku", res.Ku, "pu", res.Pu, "amplitude", res.Amplitude,
		"kp", res.Kp, "ki", res.Ki, "kd", res.Kd)
}

func (t *Thermostat) endAutotuneLocked() {
	t.session = nil
	t.loop = LoopRunning
	t.engine.Reprime()
}

// Run drives Tick from a scheduler every interval until ctx is done.
func (t *Thermostat) Run(ctx context.Context, interval time.Duration) error {
	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(interval).SingletonMode().Do(func() {
		_ = t.Tick(t.now())
	}); err != nil {
		return fmt.Errorf("schedule control tick: %w", err)
	}
	s.StartAsync()
	defer s.Stop()

	<-ctx.Done()
	return ctx.Err()
}
